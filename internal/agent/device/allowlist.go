package device

import "strings"

// ParseAllowlist splits a comma, semicolon, pipe or whitespace separated list
// of serials, for example "ABC123,DEF456" or "ABC123 DEF456".
func ParseAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeAllowlist(parts)
}

func normalizeAllowlist(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func buildAllowSet(serials []string) map[string]struct{} {
	serials = normalizeAllowlist(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}

// filterAllowed keeps serials present in allow; a nil set allows everything.
func filterAllowed(serials []string, allow map[string]struct{}) []string {
	if allow == nil {
		return serials
	}
	out := serials[:0:0]
	for _, s := range serials {
		if _, ok := allow[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

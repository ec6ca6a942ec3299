// Package version compares installed companion-app versions against the
// published one and keeps the published version fresh in the background.
package version

import (
	"strconv"
	"strings"

	"github.com/watchrip/wearbridge/internal/bridge"
)

// Compare compares dot-separated versions component by component as numbers.
// Missing components count as zero and non-digit suffixes are ignored, so
// "1.10" > "1.9" and "2.0" == "2.0.0".
func Compare(a, b string) int {
	pa, pb := components(a), components(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func components(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		n, _ := strconv.Atoi(p[:end])
		out[i] = n
	}
	return out
}

// Valid reports whether v looks like a dotted version.
func Valid(v string) bool {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, ".") {
		return false
	}
	return v[0] >= '0' && v[0] <= '9'
}

// NeedsUpdate reports whether installed is older than online. A missing or
// unparseable installed version needs an update; an empty or non-numeric
// online version never triggers one. The online version may have a single
// component ("3").
func NeedsUpdate(installed, online string) bool {
	online = strings.TrimPrefix(strings.TrimSpace(online), "v")
	if online == "" || online[0] < '0' || online[0] > '9' {
		return false
	}
	if !Valid(installed) {
		return true
	}
	return Compare(installed, online) < 0
}

// ParseInstalledVersion extracts the version following versionName= from a
// package dump. It returns false when the marker is absent or the token does
// not look like a version.
func ParseInstalledVersion(output string) (string, bool) {
	idx := strings.Index(output, bridge.VersionMarker)
	if idx < 0 {
		return "", false
	}
	rest := output[idx+len(bridge.VersionMarker):]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	v := fields[0]
	if !Valid(v) {
		return "", false
	}
	return v, true
}

// Package manifest reads the hosted appcast that publishes the latest
// companion-app build.
package manifest

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// VersionElement is the local name of the custom element carrying the
// version string of an item.
const VersionElement = "versionName"

// Info is the latest published build.
type Info struct {
	Version     string
	DownloadURL string
	Length      int64
}

// Parse reads an RSS/appcast document and returns the first item that
// carries a version name. Namespace prefixes are ignored.
func Parse(r io.Reader) (Info, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		info     Info
		inItem   bool
		inVer    bool
		verText  strings.Builder
		found    bool
		sawItems bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Info{}, &ParseError{Reason: "malformed xml", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "item":
				inItem = true
				sawItems = true
				info = Info{}
			case inItem && t.Name.Local == VersionElement:
				inVer = true
				verText.Reset()
			case inItem && t.Name.Local == "enclosure":
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "url":
						info.DownloadURL = strings.TrimSpace(attr.Value)
					case "length":
						raw := strings.TrimSpace(attr.Value)
						if raw == "" {
							continue
						}
						n, err := strconv.ParseInt(raw, 10, 64)
						if err != nil || n < 0 {
							return Info{}, &ParseError{Reason: "invalid enclosure length " + strconv.Quote(raw), Err: err}
						}
						info.Length = n
					}
				}
			}
		case xml.CharData:
			if inVer {
				verText.Write(t)
			}
		case xml.EndElement:
			switch {
			case inVer && t.Name.Local == VersionElement:
				inVer = false
				info.Version = strings.TrimSpace(verText.String())
			case t.Name.Local == "item":
				inItem = false
				if info.Version != "" {
					found = true
				}
			}
		}
		if found {
			break
		}
	}

	switch {
	case !sawItems:
		return Info{}, &ParseError{Reason: "no item element"}
	case !found:
		return Info{}, &ParseError{Reason: "no " + VersionElement + " element in any item"}
	case info.DownloadURL == "":
		return Info{}, &ParseError{Reason: "item " + info.Version + " has no enclosure url"}
	}
	return info, nil
}

// ParseError reports a malformed manifest or missing required fields.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "manifest parse: " + e.Reason + ": " + e.Err.Error()
	}
	return "manifest parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// NetworkError reports a failed or timed-out fetch.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return "fetch " + e.URL + ": unexpected status " + strconv.Itoa(e.StatusCode)
	}
	if e.Err != nil {
		return "fetch " + e.URL + ": " + e.Err.Error()
	}
	return "fetch " + e.URL + " failed"
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

package update

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Kind is a session state.
type Kind int

const (
	Checking Kind = iota
	Available
	NoUpdateNeeded
	Downloading
	Installing
	InstallComplete
	Failed
)

func (k Kind) String() string {
	switch k {
	case Checking:
		return "checking"
	case Available:
		return "available"
	case NoUpdateNeeded:
		return "no_update_needed"
	case Downloading:
		return "downloading"
	case Installing:
		return "installing"
	case InstallComplete:
		return "install_complete"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Status is one observable session state. Version and Size are set for
// Available, Progress (0..1) for Downloading, Message for Failed.
type Status struct {
	Kind     Kind
	Version  string
	Size     string
	Progress float64
	Message  string
}

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool {
	switch s.Kind {
	case NoUpdateNeeded, InstallComplete, Failed:
		return true
	}
	return false
}

// Text renders the status as a single line for display.
func (s Status) Text() string {
	switch s.Kind {
	case Checking:
		return "checking for updates..."
	case Available:
		return fmt.Sprintf("version %s available (%s)", s.Version, s.Size)
	case NoUpdateNeeded:
		return "already up to date"
	case Downloading:
		return fmt.Sprintf("downloading... %d%%", int(s.Progress*100))
	case Installing:
		return "installing..."
	case InstallComplete:
		return "install complete"
	case Failed:
		return "error: " + s.Message
	}
	return s.Kind.String()
}

// SizeDisplay formats a byte count in megabytes with one decimal, e.g.
// 10485760 -> "10.0 MB".
func SizeDisplay(bytes int64) string {
	if bytes <= 0 {
		return "unknown size"
	}
	mb := float64(bytes) / 1024 / 1024
	return humanize.FormatFloat("#,###.#", mb) + " MB"
}

package device

import (
	"context"
	"sort"
	"time"
)

// Device is one connected, authorised device.
type Device struct {
	Serial string
	Name   string
}

// Snapshot is the set of devices seen by one poll, sorted by serial.
type Snapshot struct {
	Devices []Device
}

// NewSnapshot builds a Snapshot, dropping duplicate serials and filling empty
// names with the serial.
func NewSnapshot(devices ...Device) Snapshot {
	seen := make(map[string]struct{}, len(devices))
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Serial == "" {
			continue
		}
		if _, ok := seen[d.Serial]; ok {
			continue
		}
		seen[d.Serial] = struct{}{}
		if d.Name == "" {
			d.Name = d.Serial
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return Snapshot{Devices: out}
}

// Len returns the number of devices.
func (s Snapshot) Len() int { return len(s.Devices) }

// Serials returns the sorted serials.
func (s Snapshot) Serials() []string {
	out := make([]string, len(s.Devices))
	for i, d := range s.Devices {
		out[i] = d.Serial
	}
	return out
}

// Contains reports whether serial is part of the snapshot.
func (s Snapshot) Contains(serial string) bool {
	for _, d := range s.Devices {
		if d.Serial == serial {
			return true
		}
	}
	return false
}

// Name returns the display name of serial, or "" when absent.
func (s Snapshot) Name(serial string) string {
	for _, d := range s.Devices {
		if d.Serial == serial {
			return d.Name
		}
	}
	return ""
}

func (s Snapshot) sameSerials(other Snapshot) bool {
	if len(s.Devices) != len(other.Devices) {
		return false
	}
	for i := range s.Devices {
		if s.Devices[i].Serial != other.Devices[i].Serial {
			return false
		}
	}
	return true
}

func (s Snapshot) sameNames(other Snapshot) bool {
	if !s.sameSerials(other) {
		return false
	}
	for i := range s.Devices {
		if s.Devices[i].Name != other.Devices[i].Name {
			return false
		}
	}
	return true
}

// StateKind classifies the registry's polling health.
type StateKind int

const (
	StateOK StateKind = iota
	StateNoTool
	StateCommandFailed
)

func (k StateKind) String() string {
	switch k {
	case StateNoTool:
		return "no_tool"
	case StateCommandFailed:
		return "command_failed"
	default:
		return "ok"
	}
}

// State is the persistent polling health. A non-OK state stays until a later
// poll succeeds.
type State struct {
	Kind StateKind
	Err  error
}

// OK reports whether the last poll succeeded.
func (s State) OK() bool { return s.Kind == StateOK }

// Message is the user-facing description of the state.
func (s State) Message() string {
	switch s.Kind {
	case StateNoTool:
		return "device bridge tool not found"
	case StateCommandFailed:
		if s.Err != nil {
			return "device listing failed: " + s.Err.Error()
		}
		return "device listing failed"
	default:
		return ""
	}
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	// EventDevicesChanged fires when the set of serials changes.
	EventDevicesChanged EventKind = iota
	// EventNamesUpdated fires when only display names changed.
	EventNamesUpdated
	EventSelectionChanged
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventDevicesChanged:
		return "devices_changed"
	case EventNamesUpdated:
		return "names_updated"
	case EventSelectionChanged:
		return "selection_changed"
	case EventStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after the registry state changed.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Selected string
	State    State
}

// Resolver yields the bridge tool path.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Recorder persists the device inventory.
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []InfoUpdate) error
}

// Device inventory status values.
const (
	InventoryOnline  = "online"
	InventoryOffline = "offline"
)

// InfoUpdate is one inventory row written after a structural change.
type InfoUpdate struct {
	DeviceSerial string
	Name         string
	Status       string
	LastSeenAt   time.Time
}

// Package adb provides a bridge.Runner that talks to a running adb server
// through gadb instead of spawning the adb binary for every call.
package adb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/watchrip/wearbridge/internal/bridge"
)

const (
	listHeader = "List of devices attached"
	// exitMarker prefixes the exit status echoed after every shell command;
	// the adb server protocol does not report it.
	exitMarker = "__wearbridge_exit:"
)

// Handle is one device as seen by the adb server.
type Handle struct {
	Serial string
	State  func() (string, error)
	Shell  func(cmd string, args ...string) (string, error)
}

// Server lists devices known to the adb server.
type Server interface {
	Devices() ([]Handle, error)
}

type gadbServer struct {
	client gadb.Client
}

// NewServer connects to the local adb server.
func NewServer() (Server, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return &gadbServer{client: client}, nil
}

func (s *gadbServer) Devices() ([]Handle, error) {
	devs, err := s.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make([]Handle, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		d := dev
		out = append(out, Handle{
			Serial: strings.TrimSpace(d.Serial()),
			State: func() (string, error) {
				st, err := d.State()
				if err != nil {
					return string(gadb.StateUnknown), err
				}
				if st == gadb.StateOnline {
					return bridge.StatusDevice, nil
				}
				return string(st), nil
			},
			Shell: d.RunShellCommand,
		})
	}
	return out, nil
}

// Runner serves `devices` and `-s <serial> shell ...` invocations from the
// adb server and hands everything else (push, install) to Fallback.
type Runner struct {
	server   Server
	fallback bridge.Runner
}

// NewRunner builds a server-backed Runner.
func NewRunner(server Server, fallback bridge.Runner) *Runner {
	return &Runner{server: server, fallback: fallback}
}

// Run implements bridge.Runner.
func (r *Runner) Run(ctx context.Context, path string, args ...string) bridge.Result {
	switch {
	case len(args) == 1 && args[0] == "devices":
		return r.devices()
	case len(args) >= 4 && args[0] == "-s" && args[2] == "shell":
		return r.shell(ctx, args[1], args[3], args[4:]...)
	}
	if r.fallback == nil {
		return bridge.Result{
			Success:  false,
			Output:   fmt.Sprintf("adb server runner cannot handle %q", strings.Join(args, " ")),
			ExitCode: -1,
		}
	}
	return r.fallback.Run(ctx, path, args...)
}

func (r *Runner) devices() bridge.Result {
	handles, err := r.server.Devices()
	if err != nil {
		log.Warn().Err(err).Msg("adb server device list failed")
		return bridge.Result{Success: false, Output: err.Error(), ExitCode: 1}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Serial < handles[j].Serial })
	lines := []string{listHeader}
	for _, h := range handles {
		if h.Serial == "" {
			continue
		}
		state := "unknown"
		if h.State != nil {
			if st, err := h.State(); err == nil && st != "" {
				state = st
			}
		}
		lines = append(lines, h.Serial+"\t"+state)
	}
	return bridge.Result{Success: true, Output: strings.Join(lines, "\n")}
}

func (r *Runner) shell(ctx context.Context, serial, cmd string, args ...string) bridge.Result {
	if err := ctx.Err(); err != nil {
		return bridge.Result{Success: false, Output: err.Error(), ExitCode: -1}
	}
	handles, err := r.server.Devices()
	if err != nil {
		return bridge.Result{Success: false, Output: err.Error(), ExitCode: 1}
	}
	shellArgs := make([]string, 0, len(args)+3)
	shellArgs = append(append(shellArgs, args...), ";", "echo", exitMarker+"$?")
	for _, h := range handles {
		if h.Serial != strings.TrimSpace(serial) || h.Shell == nil {
			continue
		}
		raw, err := h.Shell(cmd, shellArgs...)
		out, code := splitExitStatus(raw)
		if err != nil {
			log.Debug().Err(err).Str("serial", serial).Str("cmd", cmd).Msg("adb server shell failed")
			return bridge.Result{Success: false, Output: bridge.FormatFailure(1, out, err.Error()), ExitCode: 1}
		}
		if ctx.Err() != nil {
			return bridge.Result{Success: false, Output: ctx.Err().Error(), ExitCode: -1}
		}
		if code != 0 {
			return bridge.Result{Success: false, Output: bridge.FormatFailure(code, out, ""), ExitCode: code}
		}
		return bridge.Result{Success: true, Output: out}
	}
	return bridge.Result{
		Success:  false,
		Output:   fmt.Sprintf("device %s not found", serial),
		ExitCode: 1,
	}
}

// splitExitStatus strips the trailing exit marker line from raw. Output
// without a marker counts as exit status 0.
func splitExitStatus(raw string) (string, int) {
	out := strings.TrimRight(raw, "\r\n")
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return strings.TrimSpace(out), 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(out[idx+len(exitMarker):]))
	if err != nil {
		return strings.TrimSpace(out), 0
	}
	return strings.TrimSpace(out[:idx]), code
}

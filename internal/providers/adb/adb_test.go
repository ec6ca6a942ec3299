package adb

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/watchrip/wearbridge/internal/bridge"
)

type stubServer struct {
	handles []Handle
	err     error
}

func (s *stubServer) Devices() ([]Handle, error) {
	return s.handles, s.err
}

func handle(serial, state string, shell func(string, ...string) (string, error)) Handle {
	return Handle{
		Serial: serial,
		State:  func() (string, error) { return state, nil },
		Shell:  shell,
	}
}

func TestRunnerDevicesListing(t *testing.T) {
	srv := &stubServer{handles: []Handle{
		handle("B2", "offline", nil),
		handle("A1", bridge.StatusDevice, nil),
	}}
	r := NewRunner(srv, nil)
	res := r.Run(context.Background(), "adb", bridge.DevicesArgs()...)
	if !res.Success {
		t.Fatalf("devices failed: %+v", res)
	}
	want := "List of devices attached\nA1\tdevice\nB2\toffline"
	if res.Output != want {
		t.Fatalf("listing mismatch:\n got %q\nwant %q", res.Output, want)
	}
}

func TestRunnerShellRoutesToDevice(t *testing.T) {
	var gotCmd string
	var gotArgs []string
	srv := &stubServer{handles: []Handle{
		handle("A1", bridge.StatusDevice, func(cmd string, args ...string) (string, error) {
			gotCmd, gotArgs = cmd, args
			return "Pixel Watch\n" + exitMarker + "0\n", nil
		}),
	}}
	r := NewRunner(srv, nil)
	res := r.Run(context.Background(), "adb", bridge.ModelArgs("A1")...)
	if !res.Success || res.Output != "Pixel Watch" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotCmd != "getprop" || strings.Join(gotArgs, " ") != "ro.product.model ; echo "+exitMarker+"$?" {
		t.Fatalf("unexpected shell call: %s %v", gotCmd, gotArgs)
	}

	missing := r.Run(context.Background(), "adb", bridge.SyncArgs("Z9")...)
	if missing.Success || !strings.Contains(missing.Output, "Z9") {
		t.Fatalf("expected not-found failure, got %+v", missing)
	}
}

func TestRunnerShellErrorIsFailure(t *testing.T) {
	srv := &stubServer{handles: []Handle{
		handle("A1", bridge.StatusDevice, func(string, ...string) (string, error) {
			return "", errors.New("closed")
		}),
	}}
	res := NewRunner(srv, nil).Run(context.Background(), "adb", bridge.SyncArgs("A1")...)
	if res.Success || !strings.Contains(res.Output, "closed") {
		t.Fatalf("expected failure with cause, got %+v", res)
	}
}

func TestRunnerShellReportsExitStatus(t *testing.T) {
	srv := &stubServer{handles: []Handle{
		handle("A1", bridge.StatusDevice, func(string, ...string) (string, error) {
			return "ls: /sdcard/Missing: No such file or directory\r\n" + exitMarker + "1\r\n", nil
		}),
	}}
	res := NewRunner(srv, nil).Run(context.Background(), "adb", bridge.SyncArgs("A1")...)
	if res.Success || res.ExitCode != 1 {
		t.Fatalf("expected exit status 1, got %+v", res)
	}
	if !strings.Contains(res.Output, "No such file") || strings.Contains(res.Output, exitMarker) {
		t.Fatalf("unexpected output: %q", res.Output)
	}
}

func TestSplitExitStatus(t *testing.T) {
	out, code := splitExitStatus("plain output\n")
	if out != "plain output" || code != 0 {
		t.Fatalf("got %q/%d", out, code)
	}
	out, code = splitExitStatus("partial\n" + exitMarker + "127")
	if out != "partial" || code != 127 {
		t.Fatalf("got %q/%d", out, code)
	}
}

func TestRunnerShellHonorsCancelledContext(t *testing.T) {
	called := false
	srv := &stubServer{handles: []Handle{
		handle("A1", bridge.StatusDevice, func(string, ...string) (string, error) {
			called = true
			return exitMarker + "0", nil
		}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRunner(srv, nil).Run(ctx, "adb", bridge.ModelArgs("A1")...)
	if res.Success || called {
		t.Fatalf("expected cancelled failure without a shell call, got %+v called=%v", res, called)
	}
}

func TestRunnerDelegatesTransfers(t *testing.T) {
	var delegated []string
	fallback := bridge.RunnerFunc(func(ctx context.Context, path string, args ...string) bridge.Result {
		delegated = append([]string{path}, args...)
		return bridge.Result{Success: true}
	})
	r := NewRunner(&stubServer{}, fallback)
	res := r.Run(context.Background(), "/usr/local/bin/adb", bridge.PushArgs("A1", "/tmp/a", "/sdcard/a")...)
	if !res.Success {
		t.Fatalf("expected delegated success, got %+v", res)
	}
	if strings.Join(delegated, " ") != "/usr/local/bin/adb -s A1 push /tmp/a /sdcard/a" {
		t.Fatalf("unexpected delegation: %v", delegated)
	}

	bare := NewRunner(&stubServer{}, nil).Run(context.Background(), "adb", bridge.InstallArgs("A1", "/x.apk")...)
	if bare.Success {
		t.Fatal("expected failure without fallback")
	}
}

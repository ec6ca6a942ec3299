package wearbridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watchrip/wearbridge/internal/bridge"
	"github.com/watchrip/wearbridge/internal/config"
	"github.com/watchrip/wearbridge/internal/manifest"
	"github.com/watchrip/wearbridge/internal/transfer"
	"github.com/watchrip/wearbridge/internal/update"
)

type fakeWatch struct {
	mu        sync.Mutex
	calls     []string
	installed string
}

func (f *fakeWatch) Run(_ context.Context, _ string, args ...string) bridge.Result {
	line := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, line)
	installed := f.installed
	f.mu.Unlock()

	switch {
	case line == "devices":
		return bridge.Result{Success: true, Output: "List of devices attached\nABC123\tdevice\nZZZ\tunauthorized\n\n"}
	case strings.Contains(line, "getprop ro.product.model"):
		return bridge.Result{Success: true, Output: "Pixel Watch\n"}
	case strings.Contains(line, "dumpsys package"):
		return bridge.Result{Success: true, Output: "    versionName=" + installed + "\n"}
	}
	return bridge.Result{Success: true}
}

func (f *fakeWatch) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeWatch) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type stubSource struct {
	info  manifest.Info
	calls atomic.Int32
}

func (s *stubSource) Fetch(context.Context) (manifest.Info, error) {
	s.calls.Add(1)
	return s.info, nil
}

func newTestEngine(t *testing.T, watch *fakeWatch, src *stubSource) *Engine {
	t.Helper()
	dir := t.TempDir()
	tool := filepath.Join(dir, "adb")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	cfg := config.Default()
	cfg.BridgePath = tool
	cfg.CacheDir = filepath.Join(dir, "APKCache")
	cfg.DisableState = true
	cfg.PollInterval = time.Hour

	e, err := New(cfg, WithRunner(watch), WithSource(src))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestListDevicesThenPush(t *testing.T) {
	watch := &fakeWatch{installed: "2.2.0"}
	e := newTestEngine(t, watch, &stubSource{})
	ctx := context.Background()

	snap, err := e.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if snap.Len() != 1 || snap.Name("ABC123") != "Pixel Watch" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if e.Selected() != "ABC123" {
		t.Fatalf("expected ABC123 auto-selected, got %q", e.Selected())
	}

	watch.reset()
	var statuses []transfer.Status
	for st := range e.PushFile(ctx, PushRequest{LocalPath: "/tmp/video.mp4", RemoteName: "video.mp4", RemoteDir: "/sdcard/Movies"}) {
		statuses = append(statuses, st)
	}
	if len(statuses) == 0 {
		t.Fatal("no statuses")
	}
	last := statuses[len(statuses)-1]
	if !last.Final || last.IsError || last.Message != "push succeeded" {
		t.Fatalf("unexpected final status %+v", last)
	}

	calls := watch.snapshot()
	want := []string{
		"-s ABC123 shell mkdir -p /sdcard/Movies",
		"-s ABC123 shell rm -f /sdcard/Movies/*",
		"-s ABC123 push /tmp/video.mp4 /sdcard/Movies/video.mp4",
		"-s ABC123 shell sync",
	}
	if strings.Join(calls, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls = %q", calls)
	}
	if msg, ok := e.Status(); !ok || msg.Text != "push succeeded" {
		t.Fatalf("status line = %+v visible=%v", msg, ok)
	}
}

func TestSelectUnknownDevice(t *testing.T) {
	e := newTestEngine(t, &fakeWatch{}, &stubSource{})
	if _, err := e.ListDevices(context.Background()); err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if err := e.SelectDevice("ZZZ"); err == nil {
		t.Fatal("expected error selecting unauthorized device")
	}
	if err := e.SelectDevice("ABC123"); err != nil {
		t.Fatalf("select: %v", err)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	e := newTestEngine(t, &fakeWatch{}, &stubSource{})
	events := make(chan Event, 32)
	e.Subscribe(func(ev Event) { events <- ev })

	if _, err := e.ListDevices(context.Background()); err != nil {
		t.Fatalf("list devices: %v", err)
	}
	ev := waitEvent(t, events, func(ev Event) bool { return ev.Kind == EventDevicesChanged })
	if ev.Selected != "ABC123" || !ev.Devices.Contains("ABC123") {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCheckForAppUpdateWithoutDevice(t *testing.T) {
	e := newTestEngine(t, &fakeWatch{}, &stubSource{})
	var got []update.Status
	for st := range e.CheckForAppUpdate(context.Background(), "") {
		got = append(got, st)
	}
	if len(got) != 1 || got[0].Kind != update.Failed {
		t.Fatalf("unexpected statuses %+v", got)
	}
	if e.InstallAvailableUpdate() {
		t.Fatal("install must be a no-op without a session")
	}
}

func TestCheckForAppUpdateAvailable(t *testing.T) {
	src := &stubSource{info: manifest.Info{Version: "2.3.1", DownloadURL: "https://example.invalid/app.apk", Length: 10485760}}
	e := newTestEngine(t, &fakeWatch{installed: "2.2.0"}, src)
	if _, err := e.ListDevices(context.Background()); err != nil {
		t.Fatalf("list devices: %v", err)
	}

	var kinds []update.Kind
	var last update.Status
	for st := range e.CheckForAppUpdate(context.Background(), "") {
		kinds = append(kinds, st.Kind)
		last = st
		if st.Kind == update.Available {
			e.CancelUpdate()
		}
	}
	if len(kinds) < 2 || kinds[0] != update.Checking || last.Kind != update.Available {
		t.Fatalf("kinds = %v", kinds)
	}
	if last.Version != "2.3.1" || last.Size != "10.0 MB" {
		t.Fatalf("unexpected available status %+v", last)
	}
}

func TestRunReconcilesDeviceVersions(t *testing.T) {
	src := &stubSource{info: manifest.Info{Version: "2.3.1", DownloadURL: "https://example.invalid/app.apk", Length: 1}}
	e := newTestEngine(t, &fakeWatch{installed: "2.2.0"}, src)
	events := make(chan Event, 64)
	e.Subscribe(func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ev := waitEvent(t, events, func(ev Event) bool { return ev.Kind == EventUpdateAvailableChanged })
	if !ev.UpdateAvailable || !e.UpdateAvailable() {
		t.Fatalf("expected update available, event %+v", ev)
	}
	report := e.LastReport()
	if st := report.Devices["ABC123"]; st.Installed != "2.2.0" || !st.NeedsUpdate {
		t.Fatalf("unexpected report %+v", report)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watchrip/wearbridge/internal/bridge"
	"github.com/watchrip/wearbridge/internal/manifest"
)

const appID = "com.watchrip.watchview"

type stubResolver struct{}

func (stubResolver) Resolve(context.Context) (string, error) { return "adb", nil }

type stubInstalled string

func (s stubInstalled) Installed(context.Context, string) (string, error) { return string(s), nil }

type installRunner struct {
	mu     sync.Mutex
	calls  [][]string
	result bridge.Result
}

func (r *installRunner) Run(ctx context.Context, path string, args ...string) bridge.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return r.result
}

func (r *installRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func source(info manifest.Info) Source {
	return SourceFunc(func(context.Context) (manifest.Info, error) { return info, nil })
}

func next(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case st, ok := <-ch:
		if !ok {
			t.Fatal("updates closed unexpectedly")
		}
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return Status{}
}

func drain(t *testing.T, ch <-chan Status) []Status {
	t.Helper()
	var out []Status
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, st)
		case <-timeout:
			t.Fatalf("updates never closed, got %+v", out)
		}
	}
}

func waitFor(t *testing.T, ch <-chan Status, kind Kind) Status {
	t.Helper()
	for {
		st := next(t, ch)
		if st.Kind == kind {
			return st
		}
		if st.Terminal() {
			t.Fatalf("reached %s (%s) before %s", st.Kind, st.Message, kind)
		}
	}
}

func TestCheckOffersAvailableUpdate(t *testing.T) {
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: "https://example.com/a.apk", Length: 10485760}),
		Installed: stubInstalled("2.2.0"),
		Resolver:  stubResolver{},
		Runner:    &installRunner{},
		Cache:     Cache{Dir: t.TempDir(), AppID: appID},
	})
	s := m.Start(context.Background(), "ABC123")
	if st := next(t, s.Updates()); st.Kind != Checking {
		t.Fatalf("first state %s", st.Kind)
	}
	st := next(t, s.Updates())
	if st.Kind != Available || st.Version != "2.3.1" || st.Size != "10.0 MB" {
		t.Fatalf("unexpected state: %+v", st)
	}
	m.Cancel()
	if rest := drain(t, s.Updates()); len(rest) != 0 {
		t.Fatalf("no states expected after cancel, got %+v", rest)
	}
	if _, ok := m.Status(); ok {
		t.Fatal("cancel should clear the active session")
	}
}

func TestNoUpdateNeededMakesInstallNoop(t *testing.T) {
	var downloads atomic.Int32
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: "https://example.com/a.apk", Length: 1}),
		Installed: stubInstalled("2.3.1"),
		Resolver:  stubResolver{},
		Runner:    &installRunner{},
		Downloader: downloaderFunc(func(ctx context.Context, url, dest string, size int64, progress func(int64, int64)) error {
			downloads.Add(1)
			return nil
		}),
		Cache: Cache{Dir: t.TempDir(), AppID: appID},
	})
	s := m.Start(context.Background(), "ABC123")
	states := drain(t, s.Updates())
	if len(states) != 2 || states[0].Kind != Checking || states[1].Kind != NoUpdateNeeded {
		t.Fatalf("unexpected states: %+v", states)
	}
	if m.Install() {
		t.Fatal("install must be a no-op")
	}
	if downloads.Load() != 0 {
		t.Fatal("no download may start")
	}
}

type downloaderFunc func(ctx context.Context, url, dest string, size int64, progress func(int64, int64)) error

func (f downloaderFunc) Download(ctx context.Context, url, dest string, size int64, progress func(int64, int64)) error {
	return f(ctx, url, dest, size, progress)
}

func TestDownloadAndInstall(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	dir := t.TempDir()
	stale := filepath.Join(dir, appID+"-2.2.0.apk")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &installRunner{result: bridge.Result{Success: true, Output: "Performing Streamed Install\nSuccess"}}
	installed := make(chan string, 1)
	m := NewMachine(Deps{
		Source:      source(manifest.Info{Version: "2.3.1", DownloadURL: srv.URL + "/a.apk", Length: int64(len(payload))}),
		Installed:   stubInstalled(""),
		Resolver:    stubResolver{},
		Runner:      runner,
		Cache:       Cache{Dir: dir, AppID: appID},
		OnInstalled: func(serial, version string) { installed <- serial + "@" + version },
	})
	s := m.Start(context.Background(), "ABC123")
	waitFor(t, s.Updates(), Available)
	if !m.Install() {
		t.Fatal("install should start from Available")
	}
	if m.Install() {
		t.Fatal("second install must be ignored")
	}
	states := drain(t, s.Updates())
	last := states[len(states)-1]
	if last.Kind != InstallComplete {
		t.Fatalf("expected InstallComplete, got %+v", states)
	}
	prev := -1.0
	for _, st := range states {
		if st.Kind == Downloading {
			if st.Progress < prev {
				t.Fatalf("progress moved backwards: %+v", states)
			}
			prev = st.Progress
		}
	}
	if got := <-installed; got != "ABC123@2.3.1" {
		t.Fatalf("unexpected install callback: %s", got)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale package must be purged")
	}
	want := filepath.Join(dir, appID+"-2.3.1.apk")
	if s.CachedPath() != want {
		t.Fatalf("cached path %q want %q", s.CachedPath(), want)
	}
	if data, err := os.ReadFile(want); err != nil || len(data) != len(payload) {
		t.Fatalf("cached package incomplete: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); got != "-s ABC123 install -r "+want {
		t.Fatalf("unexpected install args: %s", got)
	}
}

func TestFailedDownloadStillPurgesStalePackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	stale := filepath.Join(dir, appID+"-2.2.0.apk")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &installRunner{}
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: srv.URL, Length: 10}),
		Installed: stubInstalled("2.2.0"),
		Resolver:  stubResolver{},
		Runner:    runner,
		Cache:     Cache{Dir: dir, AppID: appID},
	})
	s := m.Start(context.Background(), "ABC123")
	waitFor(t, s.Updates(), Available)
	m.Install()
	states := drain(t, s.Updates())
	last := states[len(states)-1]
	if last.Kind != Failed || !strings.Contains(last.Message, "500") {
		t.Fatalf("expected network failure, got %+v", last)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale package must be purged even when the download fails")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("cache should be empty, got %d entries", len(entries))
	}
	if runner.count() != 0 {
		t.Fatal("install must not run after a failed download")
	}
}

func TestCancelDuringDownloadIgnoresLateCallbacks(t *testing.T) {
	dir := t.TempDir()
	started := make(chan struct{})
	lateDone := make(chan struct{})
	runner := &installRunner{result: bridge.Result{Success: true, Output: "Success"}}
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: "https://example.com/a.apk", Length: 100}),
		Installed: stubInstalled("2.0.0"),
		Resolver:  stubResolver{},
		Runner:    runner,
		Cache:     Cache{Dir: dir, AppID: appID},
		Downloader: downloaderFunc(func(ctx context.Context, url, dest string, size int64, progress func(int64, int64)) error {
			_ = os.WriteFile(dest+partialExt, []byte("half"), 0o644)
			close(started)
			<-ctx.Done()
			progress(90, 100)
			close(lateDone)
			return ctx.Err()
		}),
	})
	s := m.Start(context.Background(), "ABC123")
	waitFor(t, s.Updates(), Available)
	m.Install()
	<-started
	m.Cancel()
	<-lateDone

	for _, st := range drain(t, s.Updates()) {
		if st.Kind != Downloading || st.Progress > 0 {
			t.Fatalf("late callback leaked a state: %+v", st)
		}
	}
	if !s.Closed() || s.Status().Kind != Downloading || s.Status().Progress != 0 {
		t.Fatalf("session resurrected: %+v", s.Status())
	}
	if runner.count() != 0 {
		t.Fatal("install must not run after cancel")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("partial file left behind: %d entries", len(entries))
	}
}

func TestInstallOutputMustReportSuccess(t *testing.T) {
	cases := []struct {
		res  bridge.Result
		want bool
	}{
		{bridge.Result{Success: true, Output: "Performing Streamed Install\nSuccess"}, true},
		{bridge.Result{Success: true, Output: "Failure [INSTALL_FAILED_VERSION_DOWNGRADE]"}, false},
		{bridge.Result{Success: false, Output: "exit code: 1\noutput: Success\nerror: "}, false},
	}
	for _, tc := range cases {
		if got := InstallSucceeded(tc.res); got != tc.want {
			t.Fatalf("InstallSucceeded(%+v) = %v", tc.res, got)
		}
	}
}

func TestCacheFailureAbortsSession(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &installRunner{}
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: "https://example.com/a.apk"}),
		Installed: stubInstalled(""),
		Resolver:  stubResolver{},
		Runner:    runner,
		Cache:     Cache{Dir: filepath.Join(blocker, "APKCache"), AppID: appID},
	})
	s := m.Start(context.Background(), "ABC123")
	waitFor(t, s.Updates(), Available)
	m.Install()
	states := drain(t, s.Updates())
	last := states[len(states)-1]
	if last.Kind != Failed || !strings.Contains(last.Message, "package cache") {
		t.Fatalf("expected cache failure, got %+v", last)
	}
	if runner.count() != 0 {
		t.Fatal("must not install without a cached package")
	}
}

func TestStartClosesPreviousSession(t *testing.T) {
	m := NewMachine(Deps{
		Source:    source(manifest.Info{Version: "2.3.1", DownloadURL: "https://example.com/a.apk"}),
		Installed: stubInstalled("1.0"),
		Resolver:  stubResolver{},
		Runner:    &installRunner{},
		Cache:     Cache{Dir: t.TempDir(), AppID: appID},
	})
	first := m.Start(context.Background(), "A")
	waitFor(t, first.Updates(), Available)
	second := m.Start(context.Background(), "B")
	drain(t, first.Updates())
	if !first.Closed() {
		t.Fatal("previous session should be closed")
	}
	if m.Current() != second {
		t.Fatal("new session should be active")
	}
	m.Cancel()
	drain(t, second.Updates())
}

func TestThrottle(t *testing.T) {
	now := time.Unix(0, 0)
	th := NewThrottle(200 * time.Millisecond)
	th.now = func() time.Time { return now }

	if !th.Allow(0.001) {
		t.Fatal("first emission must pass")
	}
	if th.Allow(0.002) {
		t.Fatal("same percent within interval must be dropped")
	}
	if !th.Allow(0.011) {
		t.Fatal("percent change must pass")
	}
	now = now.Add(250 * time.Millisecond)
	if !th.Allow(0.012) {
		t.Fatal("elapsed interval must pass")
	}
}

func TestSizeDisplay(t *testing.T) {
	if got := SizeDisplay(10485760); got != "10.0 MB" {
		t.Fatalf("got %q", got)
	}
	if got := SizeDisplay(1572864); got != "1.5 MB" {
		t.Fatalf("got %q", got)
	}
	if got := SizeDisplay(0); got != "unknown size" {
		t.Fatalf("got %q", got)
	}
}

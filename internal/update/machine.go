// Package update drives the check, download and install workflow for the
// companion app on one device.
package update

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchrip/wearbridge/internal/bridge"
	"github.com/watchrip/wearbridge/internal/manifest"
	"github.com/watchrip/wearbridge/internal/stream"
	"github.com/watchrip/wearbridge/internal/version"
)

// Source returns the published build for an explicit, user-initiated check.
type Source interface {
	Fetch(ctx context.Context) (manifest.Info, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (manifest.Info, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context) (manifest.Info, error) { return f(ctx) }

// InstalledQuery reads the installed version on a device.
type InstalledQuery interface {
	Installed(ctx context.Context, serial string) (string, error)
}

// Resolver yields the bridge tool path.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Source     Source
	Installed  InstalledQuery
	Resolver   Resolver
	Runner     bridge.Runner
	Downloader Downloader
	Cache      Cache
	// Throttle is the minimum spacing of progress updates with an unchanged
	// integer percentage.
	Throttle time.Duration
	// OnInstalled runs on the session goroutine after a successful install.
	// It must not call back into the Machine.
	OnInstalled func(serial, version string)
}

// Machine owns the single active update session. Callers request
// transitions; they never set state directly.
type Machine struct {
	deps Deps

	mu      sync.Mutex
	current *Session
}

// NewMachine builds a Machine.
func NewMachine(deps Deps) *Machine {
	if deps.Downloader == nil {
		deps.Downloader = NewHTTPDownloader()
	}
	if deps.Throttle <= 0 {
		deps.Throttle = 200 * time.Millisecond
	}
	return &Machine{deps: deps}
}

// Session is one run of the workflow against one device.
type Session struct {
	ID     string
	Serial string

	m      *Machine
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	out    *stream.Stream[Status]
	wg     sync.WaitGroup

	mu       sync.Mutex
	status   Status
	closed   bool
	info     manifest.Info
	cached   string
	throttle *Throttle
}

// Updates streams every state the session enters. It is closed when the
// session reaches a terminal state or is cancelled.
func (s *Session) Updates() <-chan Status { return s.out.C() }

// Status returns the latest state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Closed reports whether the session accepts no further transitions.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CachedPath is the downloaded package, set once the download completed.
func (s *Session) CachedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Start closes any active session and begins a new one for serial.
func (m *Machine) Start(ctx context.Context, serial string) *Session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:       uuid.NewString(),
		Serial:   serial,
		m:        m,
		ctx:      sctx,
		cancel:   cancel,
		out:      stream.New[Status](),
		throttle: NewThrottle(m.deps.Throttle),
	}
	s.logger = log.With().Str("session", s.ID).Str("serial", serial).Logger()
	s.status = Status{Kind: Checking}
	s.out.Send(s.status)
	s.wg.Add(1)

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go func() {
		defer s.wg.Done()
		s.check()
	}()
	return s
}

// Current returns the active session, or nil.
func (m *Machine) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Status returns the state of the active session.
func (m *Machine) Status() (Status, bool) {
	s := m.Current()
	if s == nil {
		return Status{}, false
	}
	return s.Status(), true
}

// Install starts the download when the active session is Available. In any
// other state it does nothing and returns false.
func (m *Machine) Install() bool {
	s := m.Current()
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.closed || s.status.Kind != Available {
		kind := s.status.Kind
		s.mu.Unlock()
		s.logger.Debug().Str("state", kind.String()).Msg("install ignored")
		return false
	}
	s.status = Status{Kind: Downloading}
	s.wg.Add(1)
	s.mu.Unlock()
	s.out.Send(Status{Kind: Downloading})
	s.logger.Info().Msg("update download started")

	go func() {
		defer s.wg.Done()
		s.downloadAndInstall()
	}()
	return true
}

// Cancel stops the active session: the transfer is aborted, partial files
// are removed, and no further states are emitted.
func (m *Machine) Cancel() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (s *Session) close() {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	info := s.info
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.out.Close()

	if !wasClosed && info.Version != "" {
		part := s.m.deps.Cache.Path(info.Version) + partialExt
		if err := os.Remove(part); err == nil {
			s.logger.Debug().Str("file", part).Msg("partial package removed")
		}
	}
	if !wasClosed {
		s.logger.Info().Msg("update session cancelled")
	}
}

// transition applies st unless the session is closed. Downloading progress
// never moves backwards.
func (s *Session) transition(st Status) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if st.Kind == Downloading && s.status.Kind == Downloading && st.Progress < s.status.Progress {
		s.mu.Unlock()
		return false
	}
	s.status = st
	terminal := st.Terminal()
	if terminal {
		s.closed = true
	}
	s.mu.Unlock()

	s.out.Send(st)
	if terminal {
		s.out.Close()
		s.logger.Info().Str("state", st.Kind.String()).Str("message", st.Message).Msg("update session finished")
	}
	return true
}

func (s *Session) fail(msg string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Error().Err(err).Msg(msg)
	text := msg
	if err != nil {
		text = msg + ": " + err.Error()
	}
	s.transition(Status{Kind: Failed, Message: text})
}

func (s *Session) check() {
	info, err := s.m.deps.Source.Fetch(s.ctx)
	if err != nil {
		s.fail("fetch latest version failed", err)
		return
	}
	if info.DownloadURL == "" {
		s.fail("latest version has no download url", &manifest.ParseError{Reason: "missing enclosure url"})
		return
	}
	installed, err := s.m.deps.Installed.Installed(s.ctx, s.Serial)
	if err != nil {
		s.fail("read installed version failed", err)
		return
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if !version.NeedsUpdate(installed, info.Version) {
		s.transition(Status{Kind: NoUpdateNeeded, Version: info.Version})
		return
	}
	s.logger.Info().Str("installed", installed).Str("online", info.Version).Msg("update available")
	s.transition(Status{Kind: Available, Version: info.Version, Size: SizeDisplay(info.Length)})
}

func (s *Session) onProgress(done, total int64) {
	if total <= 0 {
		return
	}
	p := float64(done) / float64(total)
	if p > 1 {
		p = 1
	}
	s.mu.Lock()
	allow := !s.closed && s.throttle.Allow(p)
	s.mu.Unlock()
	if allow {
		s.transition(Status{Kind: Downloading, Progress: p})
	}
}

func (s *Session) downloadAndInstall() {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	cache := s.m.deps.Cache

	if err := cache.Ensure(); err != nil {
		s.fail("prepare package cache failed", err)
		return
	}
	if err := cache.Purge(); err != nil {
		s.fail("purge package cache failed", err)
		return
	}
	dest := cache.Path(info.Version)
	if err := s.m.deps.Downloader.Download(s.ctx, info.DownloadURL, dest, info.Length, s.onProgress); err != nil {
		if s.ctx.Err() != nil {
			_ = os.Remove(dest)
			return
		}
		s.fail("download failed", err)
		return
	}
	if s.ctx.Err() != nil {
		_ = os.Remove(dest)
		return
	}

	s.mu.Lock()
	s.cached = dest
	s.mu.Unlock()
	if !s.transition(Status{Kind: Downloading, Progress: 1}) {
		return
	}
	if !s.transition(Status{Kind: Installing}) {
		return
	}

	path, err := s.m.deps.Resolver.Resolve(s.ctx)
	if err != nil {
		s.fail("install failed", errors.Wrap(err, "resolve bridge tool"))
		return
	}
	args := bridge.InstallArgs(s.Serial, dest)
	res := s.m.deps.Runner.Run(s.ctx, path, args...)
	if !InstallSucceeded(res) {
		s.fail("install failed", bridge.NewCommandError(args, res))
		return
	}
	if s.transition(Status{Kind: InstallComplete, Version: info.Version}) && s.m.deps.OnInstalled != nil {
		s.m.deps.OnInstalled(s.Serial, info.Version)
	}
}

// InstallSucceeded requires both a zero exit and "success" in the output;
// the bridge can exit 0 on some install failures.
func InstallSucceeded(res bridge.Result) bool {
	return res.Success && strings.Contains(strings.ToLower(res.Output), "success")
}

// Package wearbridge is the device session and transfer engine of the
// companion-app bridge. It discovers watches through the adb bridge tool,
// keeps one selected device, pushes files to it and drives the update
// workflow of the companion app.
package wearbridge

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/watchrip/wearbridge/internal/agent/device"
	"github.com/watchrip/wearbridge/internal/bridge"
	"github.com/watchrip/wearbridge/internal/config"
	"github.com/watchrip/wearbridge/internal/manifest"
	"github.com/watchrip/wearbridge/internal/providers/adb"
	"github.com/watchrip/wearbridge/internal/storage"
	"github.com/watchrip/wearbridge/internal/stream"
	"github.com/watchrip/wearbridge/internal/transfer"
	"github.com/watchrip/wearbridge/internal/update"
	"github.com/watchrip/wearbridge/internal/version"
)

// EventKind tells subscribers what changed.
type EventKind int

const (
	EventDevicesChanged EventKind = iota
	EventNamesUpdated
	EventSelectionChanged
	EventDeviceStateChanged
	// EventStatusChanged fires when the transient status line is replaced or
	// dismissed.
	EventStatusChanged
	EventUpdateAvailableChanged
)

func (k EventKind) String() string {
	switch k {
	case EventDevicesChanged:
		return "devices_changed"
	case EventNamesUpdated:
		return "names_updated"
	case EventSelectionChanged:
		return "selection_changed"
	case EventDeviceStateChanged:
		return "device_state_changed"
	case EventStatusChanged:
		return "status_changed"
	case EventUpdateAvailableChanged:
		return "update_available_changed"
	}
	return "unknown"
}

// Event is one engine change. Only the fields relevant to Kind are set;
// device fields always carry the registry state at the time of the change.
type Event struct {
	Kind        EventKind
	Devices     device.Snapshot
	Selected    string
	DeviceState device.State

	Status        transfer.Message
	StatusVisible bool

	UpdateAvailable bool
}

// PushRequest describes a plain file push. Serial defaults to the selected
// device and RemoteDir to the companion app data directory.
type PushRequest struct {
	LocalPath  string
	RemoteName string
	RemoteDir  string
	Serial     string
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	runner     bridge.Runner
	store      *storage.Store
	source     version.Source
	downloader update.Downloader
}

// WithRunner replaces the bridge runner selected by the configuration.
func WithRunner(r bridge.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithStore uses an already opened state store instead of opening
// cfg.StateDBPath. The engine closes it on Close.
func WithStore(s *storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSource replaces the manifest fetcher.
func WithSource(s version.Source) Option {
	return func(o *options) { o.source = s }
}

// WithDownloader replaces the package downloader.
func WithDownloader(d update.Downloader) Option {
	return func(o *options) { o.downloader = d }
}

// Engine wires the registry, coordinator, version checker and update machine
// together. Subscribers are notified on one dispatcher goroutine in the
// order changes happened.
type Engine struct {
	cfg config.Config

	locator    *bridge.Locator
	runner     bridge.Runner
	registry   *device.Registry
	coord      *transfer.Coordinator
	board      *transfer.Board
	reconciler *version.Reconciler
	checker    *version.Checker
	machine    *update.Machine
	store      *storage.Store

	events       *stream.Stream[Event]
	dispatchDone chan struct{}
	checkReq     chan struct{}

	mu              sync.Mutex
	subs            []func(Event)
	lastReport      version.Report
	updateAvailable bool

	closeOnce sync.Once
}

// New builds an Engine from cfg. A state store that cannot be opened and an
// adb server that cannot be reached are logged and skipped.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:          cfg,
		store:        o.store,
		events:       stream.New[Event](),
		dispatchDone: make(chan struct{}),
		checkReq:     make(chan struct{}, 1),
	}
	go e.dispatch()

	if e.store == nil && !cfg.DisableState && cfg.StateDBPath != "" {
		st, err := storage.Open(cfg.StateDBPath)
		if err != nil {
			log.Warn().Err(err).Str("db", cfg.StateDBPath).Msg("state store unavailable, continuing without persistence")
		} else {
			e.store = st
		}
	}

	e.runner = o.runner
	if e.runner == nil {
		e.runner = newRunner(cfg)
	}
	e.locator = bridge.NewLocator(cfg.BridgePath, cfg.BundledToolPath, e.runner)

	var (
		deviceRecorder  device.Recorder
		versionRecorder version.Recorder
		stateStore      version.StateStore
	)
	if e.store != nil {
		deviceRecorder, versionRecorder, stateStore = e.store, e.store, e.store
	}

	e.registry = device.NewRegistry(e.locator, e.runner, deviceRecorder, cfg.PollInterval)
	e.registry.Restrict(device.ParseAllowlist(cfg.DeviceAllowlist))
	e.registry.Subscribe(e.onDeviceEvent)

	e.coord = transfer.NewCoordinator(e.locator, e.runner, transfer.Options{
		ForegroundAttempts: cfg.ForegroundAttempts,
		ForegroundDelay:    cfg.ForegroundDelay,
	})
	e.board = transfer.NewBoard(cfg.StatusDismiss, cfg.ErrorDismiss, func(msg transfer.Message, visible bool) {
		e.publish(Event{Kind: EventStatusChanged, Status: msg, StatusVisible: visible})
	})

	source := o.source
	if source == nil {
		source = manifest.NewFetcher(cfg.ManifestURL, cfg.FetchTimeout)
	}
	e.reconciler = version.NewReconciler(e.locator, e.runner, cfg.PackageName, versionRecorder)
	e.checker = version.NewChecker(source, stateStore, cfg.VersionCheckInterval, cfg.VersionStaleAfter,
		func(_, _ manifest.Info) { e.requestVersionCheck() })

	e.machine = update.NewMachine(update.Deps{
		Source:     update.SourceFunc(e.checker.Refresh),
		Installed:  e.reconciler,
		Resolver:   e.locator,
		Runner:     e.runner,
		Downloader: o.downloader,
		Cache:      update.Cache{Dir: cfg.CacheDir, AppID: cfg.PackageName},
		Throttle:   cfg.ProgressThrottle,
		OnInstalled: func(serial, v string) {
			log.Info().Str("serial", serial).Str("version", v).Msg("companion app updated")
			e.requestVersionCheck()
		},
	})
	return e, nil
}

func newRunner(cfg config.Config) bridge.Runner {
	cli := bridge.NewExecRunner(cfg.CommandTimeout)
	if cfg.BridgeMode != config.BridgeModeServer {
		return cli
	}
	server, err := adb.NewServer()
	if err != nil {
		log.Warn().Err(err).Msg("adb server unavailable, using the command line tool")
		return cli
	}
	log.Info().Msg("using adb server for device listing and shell commands")
	return adb.NewRunner(server, cli)
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Subscribe registers fn for every later event. fn runs on the dispatcher
// goroutine and may call back into the engine, except Close.
func (e *Engine) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) publish(ev Event) {
	e.events.Send(ev)
}

func (e *Engine) dispatch() {
	defer close(e.dispatchDone)
	for ev := range e.events.C() {
		e.mu.Lock()
		subs := append(([]func(Event))(nil), e.subs...)
		e.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (e *Engine) onDeviceEvent(ev device.Event) {
	out := Event{Devices: ev.Snapshot, Selected: ev.Selected, DeviceState: ev.State}
	switch ev.Kind {
	case device.EventDevicesChanged:
		out.Kind = EventDevicesChanged
		e.requestVersionCheck()
	case device.EventNamesUpdated:
		out.Kind = EventNamesUpdated
	case device.EventSelectionChanged:
		out.Kind = EventSelectionChanged
	case device.EventStateChanged:
		out.Kind = EventDeviceStateChanged
	default:
		return
	}
	e.publish(out)
}

// LocateTool resolves the bridge tool path.
func (e *Engine) LocateTool(ctx context.Context) (string, error) {
	return e.locator.Resolve(ctx)
}

// ListDevices polls once and returns the reconciled snapshot. When the poll
// fails the last known snapshot is returned with the error.
func (e *Engine) ListDevices(ctx context.Context) (device.Snapshot, error) {
	err := e.registry.Refresh(ctx)
	return e.registry.Snapshot(), err
}

// Devices returns the current snapshot without polling.
func (e *Engine) Devices() device.Snapshot { return e.registry.Snapshot() }

// Selected returns the selected serial, or "" when none is connected.
func (e *Engine) Selected() string { return e.registry.Selected() }

// DeviceState returns the polling health.
func (e *Engine) DeviceState() device.State { return e.registry.State() }

// SelectDevice makes serial the selected device.
func (e *Engine) SelectDevice(serial string) error {
	if !e.registry.Select(serial) {
		return errors.Errorf("device %s is not connected", serial)
	}
	return nil
}

// Status returns the transient status line, if one is showing.
func (e *Engine) Status() (transfer.Message, bool) { return e.board.Current() }

func (e *Engine) serialOrSelected(serial string) string {
	if s := strings.TrimSpace(serial); s != "" {
		return s
	}
	return e.registry.Selected()
}

// PushFile pushes one file and streams its statuses. The channel is closed
// after the final status.
func (e *Engine) PushFile(ctx context.Context, req PushRequest) <-chan transfer.Status {
	dir := req.RemoteDir
	if strings.TrimSpace(dir) == "" {
		dir = e.cfg.AppDataDir()
	}
	return e.runJob(ctx, transfer.Job{
		LocalPath:  req.LocalPath,
		RemoteName: req.RemoteName,
		RemoteDir:  dir,
		Serial:     e.serialOrSelected(req.Serial),
	})
}

// PushAppFile pushes into the companion app data directory and asks the app
// to open the file.
func (e *Engine) PushAppFile(ctx context.Context, localPath, remoteName, serial string) <-chan transfer.Status {
	return e.runJob(ctx, transfer.Job{
		LocalPath:  localPath,
		RemoteName: remoteName,
		RemoteDir:  e.cfg.AppDataDir(),
		Serial:     e.serialOrSelected(serial),
		App: &transfer.AppTarget{
			Package:  e.cfg.PackageName,
			Activity: e.cfg.MainActivity,
			Action:   e.cfg.BroadcastAction(),
		},
	})
}

func (e *Engine) runJob(ctx context.Context, job transfer.Job) <-chan transfer.Status {
	out := stream.New[transfer.Status]()
	go func() {
		defer out.Close()
		e.coord.Push(ctx, job, func(st transfer.Status) {
			e.board.PostStatus(st)
			out.Send(st)
		})
	}()
	return out.C()
}

// PushFiles pushes several files into the batch directory without clearing
// it. Only batch-level statuses are streamed.
func (e *Engine) PushFiles(ctx context.Context, serial string, localPaths []string) <-chan transfer.Status {
	serial = e.serialOrSelected(serial)
	paths := make([]string, 0, len(localPaths))
	for _, p := range localPaths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		paths = append(paths, p)
	}
	out := stream.New[transfer.Status]()
	go func() {
		defer out.Close()
		if serial == "" {
			st := transfer.Status{Step: transfer.StepDone, Message: "no device selected", IsError: true, Final: true}
			e.board.PostStatus(st)
			out.Send(st)
			return
		}
		e.coord.PushBatch(ctx, serial, e.cfg.BatchRemoteDir, paths, func(st transfer.Status) {
			e.board.PostStatus(st)
			out.Send(st)
		})
	}()
	return out.C()
}

// CheckForAppUpdate starts a new update session for serial (or the selected
// device), closing any previous one, and streams its states. The session
// outlives ctx cancellation; use CancelUpdate to stop it.
func (e *Engine) CheckForAppUpdate(ctx context.Context, serial string) <-chan update.Status {
	serial = e.serialOrSelected(serial)
	out := stream.New[update.Status]()
	if serial == "" {
		st := update.Status{Kind: update.Failed, Message: "no device selected"}
		e.board.Post(st.Text(), true)
		out.Send(st)
		out.Close()
		return out.C()
	}
	sess := e.machine.Start(ctx, serial)
	go func() {
		defer out.Close()
		for st := range sess.Updates() {
			switch st.Kind {
			case update.Failed:
				e.board.Post(st.Text(), true)
			case update.NoUpdateNeeded, update.InstallComplete:
				e.board.Post(st.Text(), false)
			}
			out.Send(st)
		}
	}()
	return out.C()
}

// InstallAvailableUpdate downloads and installs the version found by the
// last check. It is a no-op unless the session is in the Available state.
func (e *Engine) InstallAvailableUpdate() bool { return e.machine.Install() }

// CancelUpdate closes the active update session.
func (e *Engine) CancelUpdate() { e.machine.Cancel() }

// UpdateStatus returns the state of the active update session.
func (e *Engine) UpdateStatus() (update.Status, bool) { return e.machine.Status() }

// UpdateAvailable reports whether any connected device runs an older
// companion app than the latest published one.
func (e *Engine) UpdateAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateAvailable
}

// LastReport returns the latest per-device version check.
func (e *Engine) LastReport() version.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// CheckVersions fetches the published version if the cached one is stale and
// compares it against every connected device.
func (e *Engine) CheckVersions(ctx context.Context) (version.Report, error) {
	if _, _, err := e.checker.CheckIfDue(ctx); err != nil {
		log.Warn().Err(err).Msg("version check failed, using cached version")
	}
	info, _ := e.checker.Current()
	if info.Version == "" {
		return version.Report{}, errors.New("latest published version unknown")
	}
	return e.reconcileVersions(ctx, info.Version), nil
}

func (e *Engine) requestVersionCheck() {
	select {
	case e.checkReq <- struct{}{}:
	default:
	}
}

func (e *Engine) versionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.checkReq:
		}
		info, _ := e.checker.Current()
		if info.Version == "" {
			log.Debug().Msg("published version unknown, skipping device version check")
			continue
		}
		e.reconcileVersions(ctx, info.Version)
	}
}

func (e *Engine) reconcileVersions(ctx context.Context, online string) version.Report {
	report := e.reconciler.CheckAll(ctx, e.registry.Snapshot().Serials(), online)

	e.mu.Lock()
	e.lastReport = report
	changed := e.updateAvailable != report.UpdateAvailable
	e.updateAvailable = report.UpdateAvailable
	e.mu.Unlock()

	if changed {
		snap := e.registry.Snapshot()
		e.publish(Event{
			Kind:            EventUpdateAvailableChanged,
			Devices:         snap,
			Selected:        e.registry.Selected(),
			DeviceState:     e.registry.State(),
			UpdateAvailable: report.UpdateAvailable,
		})
	}
	return report
}

// Run starts device polling, the background version check and the device
// version reconciler, and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	e.registry.Start(gctx)
	e.checker.Start(gctx)
	goSafe(gctx, g, "version reconciler", e.versionLoop)
	g.Go(func() error {
		<-gctx.Done()
		e.registry.Stop()
		e.checker.Stop()
		return nil
	})
	e.requestVersionCheck()

	start := time.Now()
	err := g.Wait()
	log.Info().Dur("uptime", time.Since(start)).Msg("engine stopped")
	return err
}

// Close stops background work, cancels the update session and releases the
// state store. Pending events are delivered before Close returns.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.machine.Cancel()
		e.registry.Stop()
		e.checker.Stop()
		e.board.Close()
		e.events.Close()
		<-e.dispatchDone
		if e.store != nil {
			err = errors.Wrap(e.store.Close(), "close state store")
		}
	})
	return err
}

// Package device keeps the live set of connected devices and the single
// selected-device slot.
package device

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/watchrip/wearbridge/internal/bridge"
)

// DefaultPollInterval is used when the registry is built with a zero interval.
const DefaultPollInterval = 5 * time.Second

// ParseDeviceList extracts the serials of authorised devices from the device
// listing. Only lines whose second tab-separated field is exactly "device"
// qualify; the header, offline and unauthorized entries are dropped.
func ParseDeviceList(output string) []string {
	var serials []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		fields := make([]string, 0, 2)
		for _, f := range strings.Split(strings.TrimRight(line, "\r"), "\t") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) < 2 || fields[1] != bridge.StatusDevice {
			continue
		}
		if _, dup := seen[fields[0]]; dup {
			continue
		}
		seen[fields[0]] = struct{}{}
		serials = append(serials, fields[0])
	}
	return serials
}

// Registry owns the device snapshot and the selection. Other components read
// device identity through it and never mutate it directly.
type Registry struct {
	resolver Resolver
	runner   bridge.Runner
	recorder Recorder
	interval time.Duration

	mu       sync.Mutex
	snapshot Snapshot
	selected string
	state    State
	subs     []func(Event)
	allow    map[string]struct{}

	// serializes reconcile + event delivery so subscribers see changes in order
	deliver sync.Mutex

	polling atomic.Bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry builds a Registry. recorder may be nil.
func NewRegistry(resolver Resolver, runner bridge.Runner, recorder Recorder, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Registry{
		resolver: resolver,
		runner:   runner,
		recorder: recorder,
		interval: interval,
	}
}

// Restrict limits the registry to the given serials. An empty list lifts the
// restriction. It applies from the next poll on.
func (r *Registry) Restrict(serials []string) {
	set := buildAllowSet(serials)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allow = set
	if set != nil {
		log.Info().Strs("serials", normalizeAllowlist(serials)).Msg("device allowlist enabled")
	}
}

// Subscribe registers fn for every later event. fn runs synchronously on the
// goroutine that caused the change; it must not block or call back into the
// registry.
func (r *Registry) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Snapshot returns the current device set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Selected returns the selected serial, or "" when no device is connected.
func (r *Registry) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// State returns the polling health.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Poll lists devices and resolves their display names. Name lookups run
// concurrently and are joined before the snapshot is returned.
func (r *Registry) Poll(ctx context.Context) (Snapshot, error) {
	if r == nil || r.runner == nil || r.resolver == nil {
		return Snapshot{}, errors.New("device registry: runner or resolver is nil")
	}
	path, err := r.resolver.Resolve(ctx)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "resolve bridge tool")
	}
	args := bridge.DevicesArgs()
	res := r.runner.Run(ctx, path, args...)
	if !res.Success {
		return Snapshot{}, errors.WithStack(bridge.NewCommandError(args, res))
	}
	r.mu.Lock()
	allow := r.allow
	r.mu.Unlock()
	serials := filterAllowed(ParseDeviceList(res.Output), allow)

	var (
		namesMu sync.Mutex
		names   = make(map[string]string, len(serials))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, serial := range serials {
		serial := serial
		g.Go(func() error {
			name := r.lookupName(gctx, path, serial)
			namesMu.Lock()
			names[serial] = name
			namesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	devices := make([]Device, 0, len(serials))
	for _, serial := range serials {
		devices = append(devices, Device{Serial: serial, Name: names[serial]})
	}
	return NewSnapshot(devices...), nil
}

func (r *Registry) lookupName(ctx context.Context, path, serial string) string {
	res := r.runner.Run(ctx, path, bridge.ModelArgs(serial)...)
	if !res.Success {
		log.Debug().Str("serial", serial).Str("output", res.Output).Msg("model lookup failed, using serial")
		return serial
	}
	name := strings.TrimSpace(firstLine(res.Output))
	if name == "" {
		return serial
	}
	return name
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Reconcile installs snap as the current snapshot. It returns true when the
// serial set changed; only then is EventDevicesChanged emitted. After it
// returns the selection is either empty (no devices) or a member of snap.
func (r *Registry) Reconcile(snap Snapshot) bool {
	changed, _ := r.reconcile(snap)
	return changed
}

func (r *Registry) reconcile(snap Snapshot) (bool, []Device) {
	snap = NewSnapshot(snap.Devices...)

	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	prev := r.snapshot
	if prev.sameSerials(snap) {
		renamed := !prev.sameNames(snap)
		r.snapshot = snap
		ev := Event{Kind: EventNamesUpdated, Snapshot: snap, Selected: r.selected, State: r.state}
		subs := r.subscribers()
		r.mu.Unlock()
		if renamed {
			emit(subs, ev)
		}
		return false, nil
	}

	var removed []Device
	for _, d := range prev.Devices {
		if !snap.Contains(d.Serial) {
			removed = append(removed, d)
		}
	}
	r.snapshot = snap
	if r.selected == "" || !snap.Contains(r.selected) {
		fallback := ""
		if snap.Len() > 0 {
			fallback = snap.Devices[0].Serial
		}
		if r.selected != fallback {
			log.Info().Str("from", r.selected).Str("to", fallback).Msg("device selection fell back")
		}
		r.selected = fallback
	}
	ev := Event{Kind: EventDevicesChanged, Snapshot: snap, Selected: r.selected, State: r.state}
	subs := r.subscribers()
	r.mu.Unlock()

	log.Info().Strs("serials", snap.Serials()).Int("removed", len(removed)).Msg("device set changed")
	emit(subs, ev)
	return true, removed
}

// Select makes serial the selected device. It returns false, leaving the
// selection unchanged, when serial is not in the current snapshot.
func (r *Registry) Select(serial string) bool {
	serial = strings.TrimSpace(serial)
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	if !r.snapshot.Contains(serial) {
		r.mu.Unlock()
		return false
	}
	if r.selected == serial {
		r.mu.Unlock()
		return true
	}
	r.selected = serial
	ev := Event{Kind: EventSelectionChanged, Snapshot: r.snapshot, Selected: serial, State: r.state}
	subs := r.subscribers()
	r.mu.Unlock()

	emit(subs, ev)
	return true
}

// Refresh polls and reconciles once. A refresh that starts while another is
// still running is skipped.
func (r *Registry) Refresh(ctx context.Context) error {
	if !r.polling.CompareAndSwap(false, true) {
		log.Debug().Msg("device poll still running, skipped")
		return nil
	}
	defer r.polling.Store(false)

	snap, err := r.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.setState(classify(err))
		return err
	}
	r.setState(State{Kind: StateOK})

	changed, removed := r.reconcile(snap)
	if changed {
		r.record(ctx, snap, removed)
	}
	return nil
}

func classify(err error) State {
	if bridge.IsToolNotFound(err) {
		return State{Kind: StateNoTool, Err: err}
	}
	return State{Kind: StateCommandFailed, Err: err}
}

func (r *Registry) setState(st State) {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	prev := r.state
	r.state = st
	ev := Event{Kind: EventStateChanged, Snapshot: r.snapshot, Selected: r.selected, State: st}
	subs := r.subscribers()
	r.mu.Unlock()

	if prev.Kind == st.Kind && errString(prev.Err) == errString(st.Err) {
		return
	}
	if st.OK() {
		log.Info().Msg("device polling recovered")
	} else {
		log.Warn().Err(st.Err).Str("state", st.Kind.String()).Msg("device polling failed")
	}
	emit(subs, ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Registry) record(ctx context.Context, snap Snapshot, removed []Device) {
	if r.recorder == nil {
		return
	}
	now := time.Now()
	updates := make([]InfoUpdate, 0, snap.Len()+len(removed))
	for _, d := range snap.Devices {
		updates = append(updates, InfoUpdate{DeviceSerial: d.Serial, Name: d.Name, Status: InventoryOnline, LastSeenAt: now})
	}
	for _, d := range removed {
		updates = append(updates, InfoUpdate{DeviceSerial: d.Serial, Name: d.Name, Status: InventoryOffline, LastSeenAt: now})
	}
	if err := r.recorder.UpsertDevices(ctx, updates); err != nil {
		log.Error().Err(err).Msg("device recorder upsert failed")
	}
}

// Start runs Refresh immediately and then every poll interval until Stop or
// ctx cancellation. Calling Start on a running registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			if err := r.Refresh(loopCtx); err != nil && loopCtx.Err() == nil {
				log.Debug().Err(err).Msg("device refresh failed")
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	log.Info().Dur("interval", r.interval).Msg("device polling started")
}

// Stop halts the poll loop and waits for it to exit.
func (r *Registry) Stop() {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("device polling stopped")
}

func (r *Registry) subscribers() []func(Event) {
	return append(([]func(Event))(nil), r.subs...)
}

func emit(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

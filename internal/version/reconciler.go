package version

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/watchrip/wearbridge/internal/bridge"
)

// Resolver yields the bridge tool path.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Status is the derived update state of one device.
type Status struct {
	Serial      string
	Installed   string
	NeedsUpdate bool
}

// Report is the result of one CheckAll pass.
type Report struct {
	Online          string
	Devices         map[string]Status
	UpdateAvailable bool
	CheckedAt       time.Time
}

// Serials returns the checked serials in sorted order.
func (r Report) Serials() []string {
	out := make([]string, 0, len(r.Devices))
	for s := range r.Devices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Recorder persists per-device version statuses.
type Recorder interface {
	RecordVersions(ctx context.Context, online string, statuses []Status) error
}

// Reconciler queries installed versions and compares them with the published
// one.
type Reconciler struct {
	resolver Resolver
	runner   bridge.Runner
	pkg      string
	recorder Recorder
}

// NewReconciler builds a Reconciler for package pkg. recorder may be nil.
func NewReconciler(resolver Resolver, runner bridge.Runner, pkg string, recorder Recorder) *Reconciler {
	return &Reconciler{resolver: resolver, runner: runner, pkg: pkg, recorder: recorder}
}

// Installed returns the installed version on serial, or "" when the package
// is missing or its version cannot be read.
func (r *Reconciler) Installed(ctx context.Context, serial string) (string, error) {
	path, err := r.resolver.Resolve(ctx)
	if err != nil {
		return "", errors.Wrap(err, "resolve bridge tool")
	}
	res := r.runner.Run(ctx, path, bridge.PackageVersionArgs(serial, r.pkg)...)
	if !res.Success {
		// grep exits non-zero when the package is not installed
		log.Debug().Str("serial", serial).Str("output", res.Output).Msg("installed version query failed")
		return "", nil
	}
	v, ok := ParseInstalledVersion(res.Output)
	if !ok {
		return "", nil
	}
	return v, nil
}

// CheckAll checks every serial concurrently against online. Results are
// merged under one lock; UpdateAvailable is the OR of all per-device results.
func (r *Reconciler) CheckAll(ctx context.Context, serials []string, online string) Report {
	report := Report{Online: online, Devices: make(map[string]Status, len(serials)), CheckedAt: time.Now()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, serial := range serials {
		serial := serial
		g.Go(func() error {
			installed, err := r.Installed(gctx, serial)
			if err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("version check failed")
			}
			st := Status{Serial: serial, Installed: installed, NeedsUpdate: NeedsUpdate(installed, online)}
			mu.Lock()
			report.Devices[serial] = st
			if st.NeedsUpdate {
				report.UpdateAvailable = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Str("online", online).Int("devices", len(report.Devices)).
		Bool("update_available", report.UpdateAvailable).Msg("version check finished")

	if r.recorder != nil && len(report.Devices) > 0 {
		statuses := make([]Status, 0, len(report.Devices))
		for _, s := range report.Serials() {
			statuses = append(statuses, report.Devices[s])
		}
		if err := r.recorder.RecordVersions(ctx, online, statuses); err != nil {
			log.Error().Err(err).Msg("record device versions failed")
		}
	}
	return report
}

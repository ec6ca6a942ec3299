package version

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/watchrip/wearbridge/internal/manifest"
)

const (
	DefaultCheckInterval = 6 * time.Hour
	DefaultStaleAfter    = 12 * time.Hour
)

// Source fetches the published build.
type Source interface {
	Fetch(ctx context.Context) (manifest.Info, error)
}

// CheckState is the persisted result of the last successful fetch.
type CheckState struct {
	LastCheck time.Time
	Info      manifest.Info
}

// StateStore persists CheckState across restarts.
type StateStore interface {
	LoadCheckState(ctx context.Context) (CheckState, bool, error)
	SaveCheckState(ctx context.Context, st CheckState) error
}

// Checker caches the published build and refreshes it when stale. The timer
// fires every interval but only refetches once staleAfter has elapsed since
// the last successful check.
type Checker struct {
	source     Source
	store      StateStore
	interval   time.Duration
	staleAfter time.Duration
	onChange   func(old, cur manifest.Info)

	now func() time.Time

	mu      sync.Mutex
	state   CheckState
	loaded  bool
	fetchMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChecker builds a Checker. store and onChange may be nil. onChange runs
// after a fetch returned a version different from the cached one.
func NewChecker(source Source, store StateStore, interval, staleAfter time.Duration, onChange func(old, cur manifest.Info)) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Checker{
		source:     source,
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		onChange:   onChange,
		now:        time.Now,
	}
}

func (c *Checker) load(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return
	}
	c.loaded = true
	if c.store == nil {
		return
	}
	st, ok, err := c.store.LoadCheckState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load version check state failed")
		return
	}
	if ok {
		c.state = st
		log.Debug().Str("version", st.Info.Version).Time("last_check", st.LastCheck).Msg("version check state restored")
	}
}

// Current returns the cached build and when it was fetched. The zero time
// means nothing has been fetched yet.
func (c *Checker) Current() (manifest.Info, time.Time) {
	c.load(context.Background())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Info, c.state.LastCheck
}

// Stale reports whether the cached build is older than staleAfter.
func (c *Checker) Stale() bool {
	_, last := c.Current()
	return last.IsZero() || c.now().Sub(last) >= c.staleAfter
}

// CheckIfDue refetches when the cache is stale. It returns the current build
// and whether a fetch happened.
func (c *Checker) CheckIfDue(ctx context.Context) (manifest.Info, bool, error) {
	if !c.Stale() {
		info, _ := c.Current()
		return info, false, nil
	}
	info, err := c.Refresh(ctx)
	if err != nil {
		return info, false, err
	}
	return info, true, nil
}

// Refresh fetches unconditionally and updates the cache. On failure the
// cached build is returned unchanged with the error.
func (c *Checker) Refresh(ctx context.Context) (manifest.Info, error) {
	c.load(ctx)
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	info, err := c.source.Fetch(ctx)
	if err != nil {
		cached, _ := c.Current()
		return cached, errors.Wrap(err, "fetch published version")
	}

	c.mu.Lock()
	old := c.state.Info
	c.state = CheckState{LastCheck: c.now(), Info: info}
	st := c.state
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveCheckState(ctx, st); err != nil {
			log.Warn().Err(err).Msg("save version check state failed")
		}
	}
	if old.Version != info.Version {
		log.Info().Str("old", old.Version).Str("new", info.Version).Msg("published version changed")
		if c.onChange != nil {
			c.onChange(old, info)
		}
	}
	return info, nil
}

// Start runs CheckIfDue now and then every interval until Stop. Background
// failures are logged and retried at the next tick.
func (c *Checker) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			if _, fetched, err := c.CheckIfDue(loopCtx); err != nil {
				if loopCtx.Err() == nil {
					log.Warn().Err(err).Msg("background version check failed")
				}
			} else if fetched {
				log.Debug().Msg("background version check done")
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	log.Info().Dur("interval", c.interval).Dur("stale_after", c.staleAfter).Msg("version checker started")
}

// Stop halts the background loop and waits for it to exit.
func (c *Checker) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("version checker stopped")
}

// Package transfer runs the multi-step push procedure against one device and
// keeps jobs for the same device from interleaving.
package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/watchrip/wearbridge/internal/bridge"
)

// Step names one remote command of a job.
type Step string

const (
	StepMkdir      Step = "mkdir"
	StepClear      Step = "clear"
	StepPush       Step = "push"
	StepSync       Step = "sync"
	StepForeground Step = "foreground"
	StepLaunch     Step = "launch"
	StepBroadcast  Step = "broadcast"
	StepDone       Step = "done"
)

// AppTarget enables the companion-app flow after the push: bring the app to
// the foreground and broadcast the open-file intent.
type AppTarget struct {
	Package  string
	Activity string
	Action   string
}

// Component returns package/activity for the launch intent. An activity that
// already names its package is used as is.
func (a AppTarget) Component() string {
	if strings.Contains(a.Activity, "/") {
		return a.Activity
	}
	return a.Package + "/" + a.Activity
}

// Job is one transfer request. It is consumed by Push and not retained.
type Job struct {
	ID         string
	LocalPath  string
	RemoteName string
	RemoteDir  string
	Serial     string
	// KeepExisting skips the clear step.
	KeepExisting bool
	App          *AppTarget
}

// RemotePath is the full destination on the device.
func (j Job) RemotePath() string {
	return bridge.RemotePath(j.RemoteDir, j.RemoteName)
}

// Status is one user-visible progress message of a job.
type Status struct {
	JobID   string
	Serial  string
	Step    Step
	Message string
	IsError bool
	// Final marks the last status of a job; Partial is set on it when the
	// file arrived but a follow-up step failed.
	Final   bool
	Partial bool
}

// Observer receives job statuses in order on the job's goroutine.
type Observer func(Status)

// Result is the outcome of a job. Partial means the file reached the device
// but a follow-up step (sync or app notification) failed.
type Result struct {
	OK      bool
	Partial bool
	Message string
	Err     error
}

// Resolver yields the bridge tool path.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Options tunes the app-flow foreground poll.
type Options struct {
	ForegroundAttempts int
	ForegroundDelay    time.Duration
}

// Coordinator executes jobs. Jobs for the same serial run one at a time in
// submission order; jobs for different serials run concurrently.
type Coordinator struct {
	resolver Resolver
	runner   bridge.Runner
	opts     Options
	lanes    lanes

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(resolver Resolver, runner bridge.Runner, opts Options) *Coordinator {
	if opts.ForegroundAttempts <= 0 {
		opts.ForegroundAttempts = 25
	}
	if opts.ForegroundDelay <= 0 {
		opts.ForegroundDelay = 200 * time.Millisecond
	}
	return &Coordinator{
		resolver: resolver,
		runner:   runner,
		opts:     opts,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type run struct {
	c    *Coordinator
	ctx  context.Context
	job  Job
	path string
	obs  Observer
}

func (r *run) post(step Step, msg string, isErr bool) {
	if r.obs == nil {
		return
	}
	r.obs(Status{JobID: r.job.ID, Serial: r.job.Serial, Step: step, Message: msg, IsError: isErr})
}

func (r *run) exec(args []string) bridge.Result {
	return r.c.runner.Run(r.ctx, r.path, args...)
}

func (r *run) finish(res Result) Result {
	if r.obs != nil {
		r.obs(Status{
			JobID:   r.job.ID,
			Serial:  r.job.Serial,
			Step:    StepDone,
			Message: res.Message,
			IsError: !res.OK || res.Partial,
			Final:   true,
			Partial: res.Partial,
		})
	}
	return res
}

// Push runs mkdir, clear, push and sync in that order, then the app flow when
// job.App is set. mkdir and push failures abort; a clear failure is logged and
// ignored; sync and broadcast failures yield a partial result.
func (c *Coordinator) Push(ctx context.Context, job Job, obs Observer) Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RemoteName == "" {
		job.RemoteName = filepath.Base(job.LocalPath)
	}
	r := &run{c: c, ctx: ctx, job: job, obs: obs}
	if err := validate(job); err != nil {
		return r.finish(Result{Message: err.Error(), Err: err})
	}

	l := c.lanes.get(job.Serial)
	if err := l.acquire(ctx); err != nil {
		return r.finish(Result{Message: "transfer cancelled", Err: errors.Wrap(err, "wait for device lane")})
	}
	defer l.release()

	path, err := c.resolver.Resolve(ctx)
	if err != nil {
		return r.finish(Result{Message: "device bridge tool not found", Err: errors.Wrap(err, "resolve bridge tool")})
	}
	r.path = path

	logger := log.With().Str("job", job.ID).Str("serial", job.Serial).Str("remote", job.RemotePath()).Logger()
	start := time.Now()

	r.post(StepMkdir, "preparing directory...", false)
	args := bridge.MkdirArgs(job.Serial, job.RemoteDir)
	if res := r.exec(args); !res.Success {
		logger.Error().Str("output", res.Output).Msg("create remote directory failed")
		return r.finish(Result{
			Message: "create directory failed\n" + res.Output,
			Err:     errors.Wrap(bridge.NewCommandError(args, res), "create directory"),
		})
	}

	if !job.KeepExisting {
		r.post(StepClear, "clearing old files...", false)
		if res := r.exec(bridge.ClearArgs(job.Serial, job.RemoteDir)); !res.Success {
			logger.Warn().Str("output", res.Output).Msg("clear remote directory failed, continuing")
		}
	}

	r.post(StepPush, "pushing...", false)
	args = bridge.PushArgs(job.Serial, job.LocalPath, job.RemotePath())
	if res := r.exec(args); !res.Success {
		logger.Error().Str("output", res.Output).Msg("push failed")
		return r.finish(Result{
			Message: "push failed: " + res.Output,
			Err:     errors.Wrap(bridge.NewCommandError(args, res), "push"),
		})
	}
	r.post(StepPush, "push succeeded", false)

	result := Result{OK: true, Message: "push succeeded"}
	r.post(StepSync, "syncing...", false)
	args = bridge.SyncArgs(job.Serial)
	if res := r.exec(args); !res.Success {
		logger.Warn().Str("output", res.Output).Msg("sync failed after push")
		r.post(StepSync, "sync failed", true)
		result = Result{
			OK:      true,
			Partial: true,
			Message: "pushed, but sync failed\n" + res.Output,
			Err:     errors.Wrap(bridge.NewCommandError(args, res), "sync"),
		}
	}

	if job.App != nil {
		if err := r.notifyApp(); err != nil {
			if !result.Partial {
				result = Result{OK: true, Partial: true, Message: "pushed, but the app could not be notified", Err: err}
			}
		} else if !result.Partial {
			result.Message = "file sent to app"
		}
	}

	logger.Info().Dur("elapsed", time.Since(start)).Bool("partial", result.Partial).Msg("transfer finished")
	return r.finish(result)
}

// notifyApp brings the app to the foreground (best effort) and sends the
// open-file broadcast exactly once.
func (r *run) notifyApp() error {
	app := r.job.App
	if !r.foreground(app.Package) {
		r.post(StepLaunch, "launching app...", false)
		if res := r.exec(bridge.LaunchArgs(r.job.Serial, app.Component())); !res.Success {
			log.Warn().Str("serial", r.job.Serial).Str("output", res.Output).Msg("launch app failed, broadcasting anyway")
		} else {
			r.waitForeground(app.Package)
		}
	}

	r.post(StepBroadcast, "notifying app...", false)
	args := bridge.BroadcastArgs(r.job.Serial, app.Action, app.Package)
	if res := r.exec(args); !res.Success {
		log.Warn().Str("serial", r.job.Serial).Str("output", res.Output).Msg("broadcast failed")
		r.post(StepBroadcast, "notifying app failed", true)
		return errors.Wrap(bridge.NewCommandError(args, res), "broadcast")
	}
	return nil
}

func (r *run) waitForeground(pkg string) {
	for i := 0; i < r.c.opts.ForegroundAttempts; i++ {
		if err := r.c.sleep(r.ctx, r.c.opts.ForegroundDelay); err != nil {
			return
		}
		if r.foreground(pkg) {
			log.Debug().Str("serial", r.job.Serial).Int("attempt", i+1).Msg("app reached foreground")
			return
		}
	}
	log.Warn().Str("serial", r.job.Serial).Int("attempts", r.c.opts.ForegroundAttempts).Msg("app not in foreground, broadcasting anyway")
}

func (r *run) foreground(pkg string) bool {
	r.post(StepForeground, "checking app...", false)
	res := r.exec(bridge.FocusArgs(r.job.Serial))
	return res.Success && IsFocused(res.Output, pkg)
}

// IsFocused reports whether the window-focus dump names pkg. This is a
// substring heuristic over localized, possibly multi-window output.
func IsFocused(output, pkg string) bool {
	return pkg != "" && strings.Contains(output, " "+pkg+"/")
}

func validate(job Job) error {
	switch {
	case strings.TrimSpace(job.Serial) == "":
		return errors.New("no device selected")
	case strings.TrimSpace(job.LocalPath) == "":
		return errors.New("no local file given")
	case strings.TrimSpace(job.RemoteDir) == "":
		return errors.New("no remote directory given")
	case job.App != nil && (job.App.Package == "" || job.App.Action == ""):
		return errors.New("app target needs package and broadcast action")
	}
	return nil
}

// Failure is one failed file of a batch.
type Failure struct {
	LocalPath string
	Message   string
}

// BatchResult summarizes PushBatch.
type BatchResult struct {
	Total    int
	Pushed   int
	Failures []Failure
	Message  string
}

// OK reports whether every file was pushed.
func (b BatchResult) OK() bool { return b.Total > 0 && len(b.Failures) == 0 }

// PushBatch pushes files one after another into remoteDir without clearing
// it, continuing past individual failures.
func (c *Coordinator) PushBatch(ctx context.Context, serial, remoteDir string, localPaths []string, obs Observer) BatchResult {
	batchID := uuid.NewString()
	out := BatchResult{Total: len(localPaths)}
	post := func(msg string, isErr, final bool) {
		if obs != nil {
			obs(Status{JobID: batchID, Serial: serial, Step: StepPush, Message: msg, IsError: isErr, Final: final})
		}
	}
	for i, local := range localPaths {
		if ctx.Err() != nil {
			out.Failures = append(out.Failures, Failure{LocalPath: local, Message: "cancelled"})
			continue
		}
		name := filepath.Base(local)
		post(fmt.Sprintf("pushing %d/%d: %s...", i+1, len(localPaths), name), false, false)
		res := c.Push(ctx, Job{
			LocalPath:    local,
			RemoteName:   name,
			RemoteDir:    remoteDir,
			Serial:       serial,
			KeepExisting: true,
		}, nil)
		if !res.OK {
			out.Failures = append(out.Failures, Failure{LocalPath: local, Message: res.Message})
			log.Warn().Str("serial", serial).Str("file", local).Str("reason", res.Message).Msg("batch item failed")
			continue
		}
		out.Pushed++
	}
	if len(out.Failures) == 0 {
		out.Message = fmt.Sprintf("%d files pushed", out.Pushed)
	} else {
		out.Message = fmt.Sprintf("%d of %d files failed", len(out.Failures), out.Total)
	}
	post(out.Message, len(out.Failures) > 0, true)
	return out
}

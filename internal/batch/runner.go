// Package batch drives the out-of-process re-clustering job and applies the
// manifest it exports.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/storage"
	"github.com/hyperjump/crowdwisdom/pkg/utils"
)

const defaultTimeout = 10 * time.Minute

// Config describes how to invoke the clustering process.
type Config struct {
	Command        string
	Args           []string
	DatabasePath   string
	ManifestPath   string
	EmbeddingModel string
	Timeout        time.Duration
}

// Status is a snapshot of the job.
type Status struct {
	State           State                   `json:"state"`
	LastOutcome     State                   `json:"last_outcome"`
	Full            bool                    `json:"full"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
	LastError       string                  `json:"last_error,omitempty"`
	ManifestVersion string                  `json:"manifest_version,omitempty"`
	LastResult      *storage.ManifestResult `json:"last_result,omitempty"`
	Runs            int                     `json:"runs"`
}

// Runner guards the singleton batch job. Only one run may be in flight; a
// trigger during a run is rejected, never queued, and the guard returns to Idle
// after every run whatever its outcome.
type Runner struct {
	cfg      Config
	store    ManifestStore
	reloader Reloader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	status Status
	wg     sync.WaitGroup

	// applyMu serializes manifest application between runs and ApplyExternal.
	applyMu sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics counts runs by result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner in the Idle state.
func NewRunner(cfg Config, store ManifestStore, reloader Reloader, opts ...Option) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	r := &Runner{cfg: cfg, store: store, reloader: reloader, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// transitionLocked moves the job to a new state; invalid moves are programming errors.
func (r *Runner) transitionLocked(to State) {
	if !r.status.State.next(to) {
		panic(fmt.Sprintf("batch: invalid transition %s -> %s", r.status.State, to))
	}
	r.status.State = to
}

// Status returns a snapshot of the job state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Trigger starts a run in the background and returns Running. If a run is
// already in flight it returns Running with ErrAlreadyRunning. The run is not
// tied to ctx cancellation; it is bounded by the configured timeout.
func (r *Runner) Trigger(ctx context.Context, full bool) (State, error) {
	if r.cfg.Command == "" {
		return Idle, errors.New("batch command is not configured")
	}
	r.mu.Lock()
	if r.status.State == Running {
		r.mu.Unlock()
		r.logger.Info("re-clustering trigger rejected, run in flight")
		return Running, ErrAlreadyRunning
	}
	r.transitionLocked(Running)
	started := time.Now().UTC()
	r.status.StartedAt = &started
	r.status.FinishedAt = nil
	r.status.Full = full
	r.status.LastError = ""
	r.wg.Add(1)
	r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(runCtx, full)
	}()
	return Running, nil
}

// Wait blocks until the in-flight run, if any, has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run triggers a run and waits for it.
func (r *Runner) Run(ctx context.Context, full bool) (Status, error) {
	if _, err := r.Trigger(ctx, full); err != nil {
		return r.Status(), err
	}
	r.Wait()
	st := r.Status()
	if st.LastOutcome == Failed {
		return st, errors.New(st.LastError)
	}
	return st, nil
}

func (r *Runner) run(ctx context.Context, full bool) {
	var (
		result  *storage.ManifestResult
		version string
		runErr  error
	)
	defer func() {
		if p := recover(); p != nil {
			runErr = fmt.Errorf("panic during re-clustering: %v", p)
		}
		r.finish(version, result, runErr)
	}()

	r.logger.Info("re-clustering started", zap.Bool("full", full), zap.String("command", r.cfg.Command))
	if runErr = r.exec(ctx, full); runErr != nil {
		return
	}
	m, res, err := r.apply(ctx)
	if m != nil {
		version = m.Version
	}
	result, runErr = res, err
}

func (r *Runner) apply(ctx context.Context) (*models.ClusterManifest, *storage.ManifestResult, error) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return ApplyManifest(ctx, r.cfg.ManifestPath, r.cfg.EmbeddingModel, r.store, r.reloader)
}

func (r *Runner) exec(ctx context.Context, full bool) error {
	args := append([]string(nil), r.cfg.Args...)
	if full {
		args = append(args, "--full")
	}
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Env = append(os.Environ(),
		"CROWDWISDOM_DB="+r.cfg.DatabasePath,
		"CROWDWISDOM_MANIFEST="+r.cfg.ManifestPath,
	)
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("clustering process killed after %s", r.cfg.Timeout)
	}
	if err != nil {
		return fmt.Errorf("clustering process failed: %w: %s", err, utils.Truncate(out.String(), 500))
	}
	r.logger.Debug("clustering process finished", zap.String("output", utils.Truncate(out.String(), 500)))
	return nil
}

// finish records the outcome and returns the guard to Idle.
func (r *Runner) finish(version string, result *storage.ManifestResult, runErr error) {
	outcome := Succeeded
	if runErr != nil {
		outcome = Failed
	}

	r.mu.Lock()
	r.transitionLocked(outcome)
	finished := time.Now().UTC()
	r.status.FinishedAt = &finished
	r.status.LastOutcome = outcome
	r.status.Runs++
	if runErr != nil {
		r.status.LastError = runErr.Error()
	} else {
		r.status.ManifestVersion = version
		r.status.LastResult = result
	}
	r.transitionLocked(Idle)
	r.mu.Unlock()

	r.metrics.BatchRun(outcome.String())
	if runErr != nil {
		r.logger.Warn("re-clustering failed", zap.Error(runErr))
		return
	}
	r.logger.Info("re-clustering applied", zap.String("version", version), zap.Any("result", result))
}

// ApplyExternal applies a manifest written outside a run, for example by a
// scheduled job. It is refused while a run is in flight, since that run applies
// its own manifest, and skipped when the version was already applied.
func (r *Runner) ApplyExternal(ctx context.Context) (*storage.ManifestResult, error) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	if r.status.State == Running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	applied := r.status.ManifestVersion
	r.mu.Unlock()

	m, err := ReadManifest(r.cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	if m.Version != "" && m.Version == applied {
		r.logger.Debug("manifest already applied", zap.String("version", m.Version))
		return nil, nil
	}
	_, res, err := ApplyManifest(ctx, r.cfg.ManifestPath, r.cfg.EmbeddingModel, r.store, r.reloader)
	if err != nil {
		r.logger.Warn("external manifest rejected", zap.String("version", m.Version), zap.Error(err))
		return nil, err
	}
	r.mu.Lock()
	r.status.ManifestVersion = m.Version
	r.status.LastResult = res
	r.mu.Unlock()
	r.logger.Info("external manifest applied", zap.String("version", m.Version), zap.Any("result", res))
	return res, nil
}

// Package verifier runs complete chain verification on a cron schedule.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ctrlai/auditchain/internal/chain"
)

// Checker performs one complete verification.
type Checker interface {
	Verify(ctx context.Context) (chain.Report, error)
}

// Result is the outcome of one scheduled or manual run.
type Result struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Report   chain.Report  `json:"report"`
	Err      string        `json:"error,omitempty"`

	cause error
}

// Cause returns the error the run failed with, nil if it completed.
func (r Result) Cause() error {
	return r.cause
}

// OK reports whether the run completed and found the chain intact.
func (r Result) OK() bool {
	return r.Err == "" && r.Report.Valid
}

// Verifier owns a cron runner with at most one verification entry.
type Verifier struct {
	checker Checker
	cron    *cron.Cron
	now     func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	entry cron.EntryID
	spec  string
	last  *Result
}

// New returns a stopped Verifier. Runs never overlap: a tick that fires
// while the previous run is still walking the chain is skipped.
func New(checker Checker) *Verifier {
	return &Verifier{
		checker: checker,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:     time.Now,
		ctx:     context.Background(),
	}
}

// Start begins running scheduled verifications until ctx ends.
func (v *Verifier) Start(ctx context.Context) {
	v.mu.Lock()
	v.ctx = ctx
	v.mu.Unlock()

	v.cron.Start()
	go func() {
		<-ctx.Done()
		<-v.cron.Stop().Done()
	}()
}

// Reschedule replaces the schedule. An empty spec disables scheduled runs.
func (v *Verifier) Reschedule(spec string) error {
	spec = strings.TrimSpace(spec)

	v.mu.Lock()
	defer v.mu.Unlock()

	if spec == v.spec && (spec == "" || v.entry != 0) {
		return nil
	}
	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("verification schedule %q: %w", spec, err)
		}
	}

	if v.entry != 0 {
		v.cron.Remove(v.entry)
		v.entry = 0
	}
	v.spec = spec
	if spec == "" {
		slog.Info("scheduled verification disabled")
		return nil
	}

	id, err := v.cron.AddFunc(spec, func() {
		v.mu.Lock()
		ctx := v.ctx
		v.mu.Unlock()
		v.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("verification schedule %q: %w", spec, err)
	}
	v.entry = id
	slog.Info("scheduled verification", "schedule", spec)
	return nil
}

// Schedule returns the current cron spec, empty when disabled.
func (v *Verifier) Schedule() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

// Next returns the next scheduled run, if any.
func (v *Verifier) Next() (time.Time, bool) {
	v.mu.Lock()
	id := v.entry
	v.mu.Unlock()
	if id == 0 {
		return time.Time{}, false
	}
	next := v.cron.Entry(id).Next
	return next, !next.IsZero()
}

// RunOnce verifies the chain now and records the result.
func (v *Verifier) RunOnce(ctx context.Context) Result {
	start := v.now()
	report, err := v.checker.Verify(ctx)
	res := Result{At: start, Duration: v.now().Sub(start), Report: report, cause: err}

	switch {
	case errors.Is(err, chain.ErrIntegrity):
		res.Err = err.Error()
		slog.Error("scheduled verification found an integrity fault", "error", err)
	case err != nil:
		res.Err = err.Error()
		slog.Error("scheduled verification failed", "error", err)
	case !report.Valid:
		slog.Error("hash chain is broken",
			"broken_at", report.BrokenAt, "reason", report.Reason, "links_checked", report.LinksChecked)
	default:
		slog.Info("hash chain verified",
			"head", report.Head, "links_checked", report.LinksChecked, "duration", res.Duration)
	}

	v.mu.Lock()
	v.last = &res
	v.mu.Unlock()
	return res
}

// Last returns the most recent result.
func (v *Verifier) Last() (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return Result{}, false
	}
	return *v.last, true
}

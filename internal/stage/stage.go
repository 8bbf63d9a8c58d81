package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pavelanni/companion/internal/extract"
	"github.com/pavelanni/companion/internal/llm"
	"github.com/pavelanni/companion/internal/schema"
)

// ErrUnrecoverable marks a stage that failed on every attempt of its budget.
var ErrUnrecoverable = errors.New("stage unrecoverable")

// Failure classes used in logs and metrics.
const (
	ClassTransport = "transport"
	ClassExtract   = "extract"
	ClassValidate  = "validate"
	ClassCheck     = "check"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_stage_attempts_total",
		Help: "Total generator attempts by stage",
	}, []string{"stage"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_stage_failures_total",
		Help: "Failed stage attempts by stage and failure class",
	}, []string{"stage", "class"})

	exhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_stage_exhausted_total",
		Help: "Stages that used up their retry budget",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_stage_duration_seconds",
		Help:    "Wall time of a stage including retries",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
	}, []string{"stage"})
)

// Error is returned when a stage exhausts its attempts.
type Error struct {
	Stage    string
	Attempts int
	// Class is the failure class of the last attempt.
	Class string
	Last  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempts (%s): %v", e.Stage, e.Attempts, e.Class, e.Last)
}

// Unwrap exposes both ErrUnrecoverable and the last attempt's error.
func (e *Error) Unwrap() []error {
	return []error{ErrUnrecoverable, e.Last}
}

// Config bounds how a stage is retried.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout caps a single generator call; 0 means no cap.
	AttemptTimeout time.Duration
}

// DefaultConfig returns one initial attempt plus two retries with a 60s attempt timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// Invoker runs stages against one generator.
type Invoker struct {
	gen llm.Generator
	cfg Config
}

// NewInvoker creates an invoker. Negative retry counts are treated as zero.
func NewInvoker(gen llm.Generator, cfg Config) *Invoker {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Invoker{gen: gen, cfg: cfg}
}

// Request describes one stage call producing a record of type T.
type Request[T any] struct {
	Stage  string
	Prompt string
	// Check runs after schema validation with caller context (e.g. the plan contract).
	// A non-nil error counts as a failed attempt.
	Check func(T) error
}

// Run asks the generator for a record of type T until one passes extraction,
// schema validation and the optional Check, or the retry budget runs out.
// Context cancellation is returned as-is and never retried.
func Run[T any](ctx context.Context, inv *Invoker, req Request[T]) (T, error) {
	var zero T
	ctx = llm.WithStage(ctx, req.Stage)
	start := time.Now()
	defer func() {
		stageDuration.WithLabelValues(req.Stage).Observe(time.Since(start).Seconds())
	}()

	maxAttempts := inv.cfg.MaxRetries + 1
	var (
		lastErr   error
		lastClass string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.wait(ctx, attempt); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptsTotal.WithLabelValues(req.Stage).Inc()
		rec, class, err := attemptOnce(ctx, inv, req)
		if err == nil {
			if attempt > 1 {
				slog.Info("stage succeeded after retry", "stage", req.Stage, "attempt", attempt)
			}
			return rec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		failuresTotal.WithLabelValues(req.Stage, class).Inc()
		slog.Warn("stage attempt failed",
			"stage", req.Stage,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"class", class,
			"error", err,
		)
		lastErr, lastClass = err, class
	}

	exhaustedTotal.WithLabelValues(req.Stage).Inc()
	return zero, &Error{Stage: req.Stage, Attempts: maxAttempts, Class: lastClass, Last: lastErr}
}

func attemptOnce[T any](ctx context.Context, inv *Invoker, req Request[T]) (T, string, error) {
	var zero T

	callCtx := ctx
	if inv.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.cfg.AttemptTimeout)
		defer cancel()
	}

	raw, err := inv.gen.Generate(callCtx, req.Prompt)
	if err != nil {
		return zero, ClassTransport, fmt.Errorf("generate: %w", err)
	}

	obj, err := extract.Extract(raw)
	if err != nil {
		return zero, ClassExtract, err
	}

	rec, err := schema.Decode[T](obj)
	if err != nil {
		return zero, ClassValidate, err
	}

	if req.Check != nil {
		if err := req.Check(rec); err != nil {
			return zero, ClassCheck, err
		}
	}
	return rec, "", nil
}

// wait sleeps before the given attempt: InitialBackoff doubled per retry, capped at MaxBackoff.
func (inv *Invoker) wait(ctx context.Context, attempt int) error {
	d := inv.cfg.InitialBackoff << (attempt - 2)
	if inv.cfg.MaxBackoff > 0 && (d > inv.cfg.MaxBackoff || d <= 0) {
		d = inv.cfg.MaxBackoff
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

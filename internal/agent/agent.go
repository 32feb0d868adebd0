// Package agent provides the shared infrastructure composed into every
// specialized agent: the retry/timeout/metrics envelope, the lifecycle
// registry, and the progress message bus.
package agent

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// Agent is implemented by every specialized agent. Shared behaviour comes
// from composing an Envelope, not from a base type.
type Agent interface {
	ID() string
	Type() string
}

// EnvelopeConfig bounds one unit of agent work.
type EnvelopeConfig struct {
	// Timeout per attempt. <= 0 means the caller's context governs.
	Timeout time.Duration
	// MaxAttempts including the first. Defaults to 3.
	MaxAttempts int
	// BaseDelay for exponential backoff between attempts. Defaults to 500ms.
	BaseDelay time.Duration
}

// Envelope wraps one unit of work with timeout, transient-failure retry and
// metrics. Non-transient faults are never retried.
type Envelope struct {
	logger  log.Logger
	metrics *Metrics
	cfg     EnvelopeConfig
}

// NewEnvelope creates an envelope. metrics may be nil.
func NewEnvelope(logger log.Logger, metrics *Metrics, cfg EnvelopeConfig) *Envelope {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Envelope{logger: logger, metrics: metrics, cfg: cfg}
}

// Do runs fn under the envelope's policy, labelled by agent and operation.
func (e *Envelope) Do(ctx context.Context, agentID, op string, fn func(context.Context) error) error {
	start := time.Now()
	var err error

loop:
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.cfg.BaseDelay << (attempt - 1)
			if e.metrics != nil {
				e.metrics.Retries.Inc()
			}
			e.logger.Warn(ctx, "retrying operation",
				"agent", agentID, "op", op, "attempt", attempt+1, "delay", delay.String(),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				err = ctx.Err()
				break loop
			}
		}

		err = e.attempt(ctx, fn)
		if err == nil {
			break
		}
		if !fault.Transient(fault.KindOf(err)) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = string(fault.KindOf(err))
		}
		e.metrics.OperationsTotal.WithLabelValues(agentID, op, status).Inc()
		e.metrics.OperationDuration.WithLabelValues(agentID, op).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Envelope) attempt(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

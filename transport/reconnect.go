package transport

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/bus"
)

// Defaults for the retry policy. Linear backoff with a small attempt ceiling
// recovers quickly for a low-traffic collaborative session; aggressive
// exponential backoff is for high-fanout systems.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Reconnector re-establishes the transport after unexpected losses. A close
// the server initiated deliberately is terminal; everything else is retried
// with delay baseDelay*attempt up to maxAttempts, after which a terminal
// connection_status carrying the error is published.
type Reconnector struct {
	tr          *Transport
	b           *bus.Bus
	logger      *log.Logger
	maxAttempts int
	baseDelay   time.Duration

	mu       sync.Mutex
	ctx      context.Context
	attempts int
	timer    *time.Timer
	stopped  bool
}

// NewReconnector wraps tr. Zero maxAttempts/baseDelay select the defaults.
func NewReconnector(tr *Transport, b *bus.Bus, maxAttempts int, baseDelay time.Duration, logger *log.Logger) *Reconnector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconnector{tr: tr, b: b, logger: logger, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Run installs the loss handler and performs the initial connect. A failed
// initial connect enters the same retry schedule as a mid-session loss, so
// Run only returns an error for an unusable context.
func (r *Reconnector) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.tr.SetCloseHandler(r.handleLoss)
	if err := r.tr.Connect(ctx); err != nil {
		r.logger.Warnf("reconnector: initial connect failed: %v", err)
		r.scheduleRetry("connect error")
		return nil
	}
	r.resetAttempts()
	return nil
}

// Stop cancels any scheduled retry. The current connection is untouched.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Attempts returns the current consecutive reconnect attempt count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconnector) handleLoss(info CloseInfo) {
	if info.ServerInitiated {
		r.logger.Info("reconnector: server closed the session, not reconnecting")
		return
	}
	r.scheduleRetry(info.Reason)
}

func (r *Reconnector) scheduleRetry(reason string) {
	r.mu.Lock()
	if r.stopped || (r.ctx != nil && r.ctx.Err() != nil) {
		r.mu.Unlock()
		return
	}
	r.attempts++
	attempt := r.attempts
	if attempt > r.maxAttempts {
		r.mu.Unlock()
		r.logger.Warnf("reconnector: giving up after %d attempts", r.maxAttempts)
		publishStatus(r.b, r.logger, bus.ConnectionStatus{
			Connected:         false,
			Error:             "max reconnection attempts reached",
			ReconnectAttempts: r.maxAttempts,
		})
		return
	}
	delay := r.baseDelay * time.Duration(attempt)
	r.timer = time.AfterFunc(delay, r.retry)
	r.mu.Unlock()

	// Published outside the critical section: a status handler is free to
	// call back into Attempts.
	r.logger.Infof("reconnector: attempt %d/%d in %v", attempt, r.maxAttempts, delay)
	publishStatus(r.b, r.logger, bus.ConnectionStatus{
		Connected:         false,
		Reason:            reason,
		ReconnectAttempts: attempt,
	})
}

func (r *Reconnector) retry() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if r.tr.Connected() {
		return
	}
	if err := r.tr.Connect(ctx); err != nil {
		r.logger.Warnf("reconnector: connect failed: %v", err)
		r.scheduleRetry("connect error")
		return
	}
	r.resetAttempts()
}

func (r *Reconnector) resetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

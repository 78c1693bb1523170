package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
)

// IssueKind partitions critical alerts into recovery classes.
type IssueKind int

const (
	IssueUnknown IssueKind = iota
	IssueSignal
	IssueRegistration
	IssueTimeout
	IssueStorage
)

func (k IssueKind) String() string {
	switch k {
	case IssueSignal:
		return "signal"
	case IssueRegistration:
		return "registration"
	case IssueTimeout:
		return "timeout"
	case IssueStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// issueFor maps a breached metric onto its recovery class.
func issueFor(metric string) IssueKind {
	switch metric {
	case MetricSignal:
		return IssueSignal
	case MetricRegistration:
		return IssueRegistration
	case MetricResponseMS:
		return IssueTimeout
	case MetricStorage:
		return IssueStorage
	default:
		return IssueUnknown
	}
}

// Resetter is the slice of the engine the recovery procedures need beyond
// plain command execution.
type Resetter interface {
	SoftReset(ctx context.Context) error
	FullReset(ctx context.Context) error
}

// ErrRecoveryExhausted flags a modem that used up its recovery budget and
// needs manual intervention.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// ErrRecoveryCooldown is returned while the issue class is still cooling
// down from its previous attempt.
var ErrRecoveryCooldown = errors.New("recovery in cooldown")

type procedure func(ctx context.Context) error

type recoveryState struct {
	attempts    int
	lastAttempt time.Time
}

// recoverer executes bounded, cooldown-gated recovery procedures. The
// procedure table is a lookup keyed by issue kind so classes can be tested
// and extended in isolation.
type recoverer struct {
	procedures  map[IssueKind]procedure
	cooldown    time.Duration
	maxAttempts int

	mu     sync.Mutex
	states map[IssueKind]*recoveryState
	failed bool
}

func newRecoverer(exec modem.Executor, resetter Resetter, cooldown time.Duration, maxAttempts int) *recoverer {
	r := &recoverer{
		cooldown:    cooldown,
		maxAttempts: maxAttempts,
		states:      make(map[IssueKind]*recoveryState),
	}
	r.procedures = map[IssueKind]procedure{
		IssueSignal:       func(ctx context.Context) error { return reRegister(ctx, exec) },
		IssueRegistration: func(ctx context.Context) error { return reRegister(ctx, exec) },
		IssueTimeout:      resetter.SoftReset,
		IssueStorage:      func(ctx context.Context) error { return purgeStorage(ctx, exec) },
		IssueUnknown:      resetter.FullReset,
	}
	return r
}

// attempt runs the procedure for the issue class, honoring its cooldown and
// the attempt cap. A successful run resets the class's attempt counter.
func (r *recoverer) attempt(ctx context.Context, kind IssueKind) error {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return ErrRecoveryExhausted
	}
	st, ok := r.states[kind]
	if !ok {
		st = &recoveryState{}
		r.states[kind] = st
	}
	if !st.lastAttempt.IsZero() && time.Since(st.lastAttempt) < r.cooldown {
		r.mu.Unlock()
		return ErrRecoveryCooldown
	}
	if st.attempts >= r.maxAttempts {
		r.failed = true
		r.mu.Unlock()
		return ErrRecoveryExhausted
	}
	st.attempts++
	st.lastAttempt = time.Now()
	proc := r.procedures[kind]
	r.mu.Unlock()

	if err := proc(ctx); err != nil {
		return fmt.Errorf("recovery %s: %w", kind, err)
	}

	r.mu.Lock()
	st.attempts = 0
	r.mu.Unlock()
	return nil
}

// exhausted reports whether the modem is flagged for manual intervention.
func (r *recoverer) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// reRegister forces the modem off the network and back on, which resolves
// most stuck-registration and degraded-signal conditions.
func reRegister(ctx context.Context, exec modem.Executor) error {
	if _, err := exec.Execute(ctx, at.CmdDeregister); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	if _, err := exec.ExecuteWith(ctx, at.CmdAutoRegister, 30*time.Second, 1); err != nil {
		return fmt.Errorf("re-register: %w", err)
	}
	return nil
}

// purgeStorage deletes all stored messages, freeing the message memory.
func purgeStorage(ctx context.Context, exec modem.Executor) error {
	if _, err := exec.Execute(ctx, at.CmdPurgeMessages); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	return nil
}

package call

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
)

var numberPattern = regexp.MustCompile(`^\+?[0-9]{3,15}$`)

// dtmfDigits is the valid DTMF alphabet.
const dtmfDigits = "0123456789ABCD*#"

// Config holds the machine settings for one modem.
type Config struct {
	// PollInterval is the period of the call-list reconciliation loop.
	PollInterval time.Duration
	// NoAnswerTimeout finalizes an outbound call that never connects.
	NoAnswerTimeout time.Duration
	// HistorySize bounds the retained terminated-call history.
	HistorySize int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.NoAnswerTimeout <= 0 {
		c.NoAnswerTimeout = 45 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
}

// Listener receives call lifecycle events. The record is a copy; listeners
// must not assume it stays current.
type Listener func(event Event, rec Record)

// DTMFListener receives DTMF digits detected on the active call.
type DTMFListener func(ev DTMFEvent)

// Machine is the per-modem call state machine. All its state is local to
// one modem; its poll loop and action methods funnel every exchange through
// the shared command engine, which serializes channel access.
type Machine struct {
	exec   modem.Executor
	logger *slog.Logger
	config Config

	mu            sync.Mutex
	active        map[string]*Record // keyed by number
	history       *lru.Cache[string, *Record]
	listeners     []Listener
	dtmfListeners []DTMFListener
	dialCancel    context.CancelFunc

	// onOutcome, when set, is told whether each finished call connected.
	// The health monitor feeds its success-rate counter with it.
	onOutcome func(answered bool)
}

// NewMachine builds a call machine on the given executor.
func NewMachine(exec modem.Executor, logger *slog.Logger, config Config) *Machine {
	config.setDefaults()
	history, _ := lru.New[string, *Record](config.HistorySize)
	return &Machine{
		exec:    exec,
		logger:  logger.With("component", "call"),
		config:  config,
		active:  make(map[string]*Record),
		history: history,
	}
}

// OnEvent registers a lifecycle listener.
func (m *Machine) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnDTMF registers a received-DTMF listener.
func (m *Machine) OnDTMF(l DTMFListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dtmfListeners = append(m.dtmfListeners, l)
}

// OnOutcome registers the success-rate hook fed to the health monitor.
func (m *Machine) OnOutcome(f func(answered bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutcome = f
}

// Dial starts an outbound voice call. It is rejected outright, without
// touching the serial channel, while any call is still active.
func (m *Machine) Dial(ctx context.Context, number string) (Record, error) {
	if !numberPattern.MatchString(number) {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}

	m.mu.Lock()
	for _, rec := range m.active {
		if !rec.State.Terminal() {
			m.mu.Unlock()
			return Record{}, fmt.Errorf("%w: %s", ErrCallActive, rec.Number)
		}
	}
	rec := &Record{
		ID:        uuid.NewString(),
		Number:    number,
		Direction: Outbound,
		Kind:      KindVoice,
		State:     StateDialing,
		StartTime: time.Now(),
	}
	m.active[number] = rec

	// Hangup during dialing cancels the pending exchange before ATH.
	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		m.dialCancel = nil
		m.mu.Unlock()
	}()

	res, err := m.exec.Execute(dialCtx, at.Dial(number))
	if err != nil || !res.OK() {
		m.mu.Lock()
		state := StateFailed
		reason := "dial failed"
		switch res.Final {
		case at.Busy:
			state, reason = StateBusy, "busy"
		case at.NoAnswer:
			state, reason = StateNoAnswer, "no answer"
		case at.NoCarrier:
			state, reason = StateTerminated, "no carrier"
		}
		m.finalizeLocked(rec, state, reason)
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("dial %s: %s", number, res.Final)
		}
		return *rec, err
	}

	m.logger.Info("dialing", "number", number, "call_id", rec.ID)
	return *rec, nil
}

// Answer accepts the ringing inbound call.
func (m *Machine) Answer(ctx context.Context) (Record, error) {
	m.mu.Lock()
	var rec *Record
	for _, r := range m.active {
		if r.State == StateRinging && r.Direction == Inbound {
			rec = r
			break
		}
	}
	m.mu.Unlock()
	if rec == nil {
		return Record{}, ErrNoActiveCall
	}

	if _, err := m.exec.Execute(ctx, at.CmdAnswer); err != nil {
		return *rec, fmt.Errorf("answer: %w", err)
	}

	m.mu.Lock()
	now := time.Now()
	rec.State = StateConnected
	rec.AnswerTime = &now
	snapshot := *rec
	m.mu.Unlock()

	m.emit(EventAnswered, snapshot)
	return snapshot, nil
}

// Hangup terminates the current call. While a dial is pending it first
// interrupts the dial wait, then issues the hangup immediately.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	if m.dialCancel != nil {
		m.dialCancel()
	}
	var pending []*Record
	for _, rec := range m.active {
		if !rec.State.Terminal() {
			pending = append(pending, rec)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		return ErrNoActiveCall
	}

	if _, err := m.exec.Execute(ctx, at.CmdHangup); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}

	m.mu.Lock()
	for _, rec := range pending {
		m.finalizeLocked(rec, StateTerminated, "local hangup")
	}
	m.mu.Unlock()
	return nil
}

// Hold parks the connected call.
func (m *Machine) Hold(ctx context.Context) error {
	return m.swapHold(ctx, at.CmdHold, StateConnected, StateHolding)
}

// Resume retrieves the held call.
func (m *Machine) Resume(ctx context.Context) error {
	return m.swapHold(ctx, at.CmdResume, StateHolding, StateConnected)
}

func (m *Machine) swapHold(ctx context.Context, cmd string, from, to State) error {
	m.mu.Lock()
	var rec *Record
	for _, r := range m.active {
		if r.State == from {
			rec = r
			break
		}
	}
	m.mu.Unlock()
	if rec == nil {
		if from == StateConnected {
			return ErrNotConnected
		}
		return ErrNoActiveCall
	}

	if _, err := m.exec.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	m.mu.Lock()
	rec.State = to
	m.mu.Unlock()
	return nil
}

// SendDTMF transmits a sequence of DTMF digits on the connected call. The
// digit set is validated before anything is sent.
func (m *Machine) SendDTMF(ctx context.Context, digits string) error {
	digits = strings.ToUpper(digits)
	for i := 0; i < len(digits); i++ {
		if !strings.ContainsRune(dtmfDigits, rune(digits[i])) {
			return fmt.Errorf("%w: %q", ErrInvalidDigit, digits[i])
		}
	}

	m.mu.Lock()
	var rec *Record
	for _, r := range m.active {
		if r.State == StateConnected {
			rec = r
			break
		}
	}
	m.mu.Unlock()
	if rec == nil {
		return ErrNotConnected
	}

	for i := 0; i < len(digits); i++ {
		start := time.Now()
		if _, err := m.exec.Execute(ctx, at.SendDTMF(digits[i])); err != nil {
			return fmt.Errorf("send DTMF %q: %w", digits[i], err)
		}
		m.mu.Lock()
		rec.DTMFSent = append(rec.DTMFSent, DTMFEvent{
			CallID:   rec.ID,
			Digit:    digits[i],
			At:       start,
			Duration: time.Since(start),
		})
		m.mu.Unlock()
	}
	return nil
}

// Active returns snapshots of the non-terminal calls.
func (m *Machine) Active() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, *rec)
	}
	return out
}

// History returns snapshots of the retained terminated calls, oldest first.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := m.history.Values()
	out := make([]Record, 0, len(vals))
	for _, rec := range vals {
		out = append(out, *rec)
	}
	return out
}

// Run executes the reconciliation loop until the context is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Warn("call poll failed", "error", err)
			}
		}
	}
}

// Poll performs one reconciliation pass: query the call list, diff it
// against the registry, and apply the delta. Externally-initiated changes
// (incoming calls, remote hangup, silent termination) surface here.
func (m *Machine) Poll(ctx context.Context) error {
	res, err := m.exec.Execute(ctx, at.CmdCallList)
	if err != nil {
		return fmt.Errorf("query call list: %w", err)
	}
	current, err := at.ParseCallList(res.Lines)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delta := diffCalls(m.active, current)

	var events []func()

	for _, info := range delta.New {
		rec := &Record{
			ID:        uuid.NewString(),
			Number:    info.Number,
			Kind:      KindVoice,
			StartTime: time.Now(),
		}
		if info.Inbound {
			rec.Direction = Inbound
		}
		rec.State = stateFor(info.Stat, rec.Direction)
		m.active[info.Number] = rec
		if rec.Direction == Inbound {
			snapshot := *rec
			events = append(events, func() { m.emit(EventIncoming, snapshot) })
			m.logger.Info("incoming call", "number", rec.Number, "call_id", rec.ID)
		}
	}

	for _, ch := range delta.Changed {
		rec := m.active[ch.Number]
		next := stateFor(ch.Info.Stat, rec.Direction)
		if next == StateConnected && rec.AnswerTime == nil {
			now := time.Now()
			rec.AnswerTime = &now
			snapshot := *rec
			snapshot.State = StateConnected
			events = append(events, func() { m.emit(EventAnswered, snapshot) })
		}
		rec.State = next
	}

	for _, number := range delta.Removed {
		rec := m.active[number]
		state, reason := StateTerminated, "remote termination"
		if !rec.Answered() && rec.Direction == Outbound {
			state, reason = StateNoAnswer, "no answer"
		} else if !rec.Answered() {
			state, reason = StateTerminated, "missed"
		}
		m.finalizeLocked(rec, state, reason)
	}

	// No-answer timeout for outbound calls the network never progressed.
	now := time.Now()
	for _, rec := range m.active {
		if rec.Direction == Outbound && !rec.Answered() && !rec.State.Terminal() &&
			now.Sub(rec.StartTime) > m.config.NoAnswerTimeout {
			m.finalizeLocked(rec, StateNoAnswer, "no-answer timeout")
			rec := rec
			events = append(events, func() {
				if _, err := m.exec.Execute(ctx, at.CmdHangup); err != nil {
					m.logger.Warn("hangup after no-answer timeout failed",
						"number", rec.Number, "error", err)
				}
			})
		}
	}
	m.mu.Unlock()

	for _, fire := range events {
		fire()
	}
	return nil
}

// HandleURC processes unsolicited lines relevant to calls: RING, +CLIP and
// +DTMF. It never touches the serial channel.
func (m *Machine) HandleURC(line string) {
	switch {
	case strings.HasPrefix(line, at.UrcCallerID):
		number, err := at.ParseCallerID(line)
		if err != nil {
			m.logger.Debug("unparseable +CLIP", "line", line)
			return
		}
		m.mu.Lock()
		if _, ok := m.active[number]; ok {
			m.mu.Unlock()
			return
		}
		rec := &Record{
			ID:        uuid.NewString(),
			Number:    number,
			Direction: Inbound,
			Kind:      KindVoice,
			State:     StateRinging,
			StartTime: time.Now(),
		}
		m.active[number] = rec
		snapshot := *rec
		m.mu.Unlock()
		m.logger.Info("incoming call", "number", number, "call_id", snapshot.ID)
		m.emit(EventIncoming, snapshot)

	case strings.HasPrefix(line, at.UrcDTMF):
		digit, err := at.ParseDTMF(line)
		if err != nil {
			return
		}
		m.mu.Lock()
		var callID string
		for _, rec := range m.active {
			if rec.State == StateConnected {
				callID = rec.ID
				break
			}
		}
		listeners := append([]DTMFListener(nil), m.dtmfListeners...)
		m.mu.Unlock()
		ev := DTMFEvent{CallID: callID, Digit: digit, At: time.Now()}
		for _, l := range listeners {
			l(ev)
		}
	}
	// RING alone carries no number; the +CLIP that follows (or the next
	// poll) materializes the record.
}

// finalizeLocked moves a record to its terminal state and into history.
// Callers must hold m.mu.
func (m *Machine) finalizeLocked(rec *Record, state State, reason string) {
	if rec.State.Terminal() {
		return
	}
	now := time.Now()
	rec.State = state
	rec.EndTime = &now
	rec.EndReason = reason
	if rec.AnswerTime != nil {
		rec.Duration = now.Sub(*rec.AnswerTime)
	}
	delete(m.active, rec.Number)
	m.history.Add(rec.ID, rec)

	if m.onOutcome != nil {
		m.onOutcome(rec.Answered())
	}

	snapshot := *rec
	go m.emit(EventEnded, snapshot)
	m.logger.Info("call ended",
		"number", rec.Number, "call_id", rec.ID,
		"state", state.String(), "reason", reason, "duration", rec.Duration)
}

func (m *Machine) emit(event Event, rec Record) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(event, rec)
	}
}

package sms

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
)

var destinationPattern = regexp.MustCompile(`^\+?[0-9]{3,15}$`)

// Config holds the machine settings for one modem.
type Config struct {
	// QueueSize bounds the transmit queue.
	QueueSize int
	// PollInterval is the period of the inbound/report poll.
	PollInterval time.Duration
	// MinSendInterval paces consecutive transmissions.
	MinSendInterval time.Duration
	// MaxRetries bounds re-transmissions of one segment.
	MaxRetries int
	// SendTimeout bounds the body-submission exchange, which can take the
	// network several seconds to acknowledge.
	SendTimeout time.Duration
	// HistorySize bounds the retained record history.
	HistorySize int
	// InboundLimit bounds retained inbound messages.
	InboundLimit int
	// PartialTTL evicts incomplete multi-part inbound messages.
	PartialTTL time.Duration
	// ReportCheckDelay schedules a poll after a report-requesting send, for
	// modems that store delivery reports instead of pushing +CDS.
	ReportCheckDelay time.Duration
	// DeleteAfterRead removes processed messages from modem storage.
	DeleteAfterRead bool
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MinSendInterval <= 0 {
		c.MinSendInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.InboundLimit <= 0 {
		c.InboundLimit = 100
	}
	if c.PartialTTL <= 0 {
		c.PartialTTL = 5 * time.Minute
	}
	if c.ReportCheckDelay <= 0 {
		c.ReportCheckDelay = 30 * time.Second
	}
}

// Machine is the per-modem SMS state machine. Send enqueues records; a
// single worker transmits them one at a time through the shared command
// engine; a periodic poll retrieves inbound messages and delivery reports.
type Machine struct {
	exec   modem.Executor
	logger *slog.Logger
	config Config

	queue chan *Record
	// kick wakes the poll early, e.g. after a +CMTI notification.
	kick chan struct{}

	mu           sync.Mutex
	pending      map[int]*Record // sent, awaiting delivery report, by modem reference
	groupFailed  map[int]bool    // concat refs with a failed segment
	history      *lru.Cache[string, *Record]
	inbound      []Inbound
	partials     map[partialKey]*partial
	reports      []at.DeliveryReport
	nextRef      int
	onOutcome    func(sent bool)
}

// NewMachine builds an SMS machine on the given executor.
func NewMachine(exec modem.Executor, logger *slog.Logger, config Config) *Machine {
	config.setDefaults()
	history, _ := lru.New[string, *Record](config.HistorySize)
	return &Machine{
		exec:        exec,
		logger:      logger.With("component", "sms"),
		config:      config,
		queue:       make(chan *Record, config.QueueSize),
		kick:        make(chan struct{}, 1),
		pending:     make(map[int]*Record),
		groupFailed: make(map[int]bool),
		history:     history,
		partials:    make(map[partialKey]*partial),
	}
}

// OnOutcome registers the success-rate hook fed to the health monitor.
func (m *Machine) OnOutcome(f func(sent bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutcome = f
}

// Send validates and enqueues one logical message. Bodies exceeding the
// single-segment limit of the chosen encoding are split into ordered
// records sharing one concatenation reference. The returned records are
// live: the worker advances their status as transmission proceeds.
func (m *Machine) Send(destination, body string, opts Options) ([]*Record, error) {
	if !destinationPattern.MatchString(destination) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	if body == "" {
		return nil, ErrEmptyBody
	}

	enc, err := chooseEncoding(body, opts.Encoding)
	if err != nil {
		return nil, err
	}
	bodies := split(body, enc)

	kind := KindNormal
	if opts.Flash {
		kind = KindFlash
	}
	var concat *Concat
	if len(bodies) > 1 {
		kind = KindConcatenated
		concat = &Concat{Ref: m.allocRef(), Total: len(bodies)}
	}

	records := make([]*Record, len(bodies))
	now := time.Now()
	for i, segment := range bodies {
		rec := &Record{
			ID:          uuid.NewString(),
			Destination: destination,
			Body:        segment,
			Status:      StatusQueued,
			Encoding:    enc,
			Kind:        kind,
			CreatedAt:   now,
			WantReport:  opts.DeliveryReport,
		}
		if concat != nil {
			rec.Concat = &Concat{Ref: concat.Ref, Part: i + 1, Total: concat.Total}
		}
		records[i] = rec
	}

	for i, rec := range records {
		select {
		case m.queue <- rec:
		default:
			// Queue exhausted: fail this and the remaining segments.
			for _, r := range records[i:] {
				r.Status = StatusFailed
				r.FailReason = ErrQueueFull.Error()
			}
			if concat != nil {
				m.mu.Lock()
				m.groupFailed[concat.Ref] = true
				m.mu.Unlock()
			}
			return records, ErrQueueFull
		}
	}
	return records, nil
}

// SendBulk enqueues the same body to several destinations. Failures are
// per-destination; the rest proceed.
func (m *Machine) SendBulk(destinations []string, body string, opts Options) (map[string][]*Record, error) {
	out := make(map[string][]*Record, len(destinations))
	var firstErr error
	for _, dest := range destinations {
		recs, err := m.Send(dest, body, opts)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", dest, err)
		}
		if recs != nil {
			out[dest] = recs
		}
	}
	return out, firstErr
}

// Run executes the transmit worker and the inbound/report poll until the
// context is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec := <-m.queue:
			m.transmit(ctx, rec)
			select {
			case <-time.After(m.config.MinSendInterval):
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-ticker.C:
			m.pollCycle(ctx)

		case <-m.kick:
			m.pollCycle(ctx)
		}
	}
}

// transmit sends one record, retrying within the configured budget. A
// segment whose concatenation group already failed is skipped: the logical
// message is failed, re-sending later parts would only waste airtime.
func (m *Machine) transmit(ctx context.Context, rec *Record) {
	m.mu.Lock()
	if rec.Concat != nil && m.groupFailed[rec.Concat.Ref] {
		rec.Status = StatusFailed
		rec.FailReason = "sibling segment failed"
		m.history.Add(rec.ID, rec)
		m.mu.Unlock()
		return
	}
	rec.Status = StatusSending
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			m.mu.Lock()
			rec.Retries++
			m.mu.Unlock()
		}
		ref, err := m.sendOnce(ctx, rec)
		if err == nil {
			now := time.Now()
			m.mu.Lock()
			rec.Status = StatusSent
			rec.SentAt = &now
			rec.Reference = ref
			m.pending[ref] = rec
			m.history.Add(rec.ID, rec)
			hook := m.onOutcome
			retries := rec.Retries
			m.mu.Unlock()
			if hook != nil {
				hook(true)
			}
			if rec.WantReport {
				// Not every modem pushes +CDS; check storage after a delay.
				time.AfterFunc(m.config.ReportCheckDelay, m.wakePoll)
			}
			m.logger.Info("sms sent",
				"destination", rec.Destination, "reference", ref,
				"encoding", rec.Encoding.String(), "retries", retries)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	m.mu.Lock()
	rec.Status = StatusFailed
	if lastErr != nil {
		rec.FailReason = lastErr.Error()
	}
	if rec.Concat != nil {
		m.groupFailed[rec.Concat.Ref] = true
	}
	m.history.Add(rec.ID, rec)
	hook := m.onOutcome
	retries := rec.Retries
	m.mu.Unlock()
	if hook != nil {
		hook(false)
	}
	m.logger.Warn("sms failed",
		"destination", rec.Destination, "error", lastErr, "retries", retries)
}

// sendOnce runs the two-step CMGS exchange: the address command must yield
// the "> " prompt before the body may be written; the body, terminated by
// Ctrl-Z, yields "+CMGS: <ref>" and OK once the SMSC accepts it.
func (m *Machine) sendOnce(ctx context.Context, rec *Record) (int, error) {
	body := rec.Body
	if rec.Encoding == EncodingUCS2 {
		if err := m.setCharset(ctx, "UCS2"); err != nil {
			return 0, err
		}
		defer m.setCharset(ctx, "GSM")
		body = strings.ToUpper(hex.EncodeToString(ucs2.Encode([]rune(rec.Body))))
	}
	if fo, dcs, custom := csmpFor(rec); custom {
		cmd := fmt.Sprintf("AT+CSMP=%d,167,0,%d", fo, dcs)
		if _, err := m.exec.Execute(ctx, cmd); err != nil {
			return 0, fmt.Errorf("set message parameters: %w", err)
		}
		defer m.exec.Execute(ctx, "AT+CSMP=17,167,0,0")
	}

	// No retry at the engine level: a repeated CMGS could double-send.
	res, err := m.exec.ExecuteWith(ctx, at.SendSMS(rec.Destination), m.config.SendTimeout, 0)
	if err != nil {
		return 0, fmt.Errorf("AT+CMGS command failed: %w", err)
	}
	if !res.Prompted() {
		return 0, fmt.Errorf("did not receive SMS prompt, got: %q", res.Final)
	}

	res, err = m.exec.ExecuteWith(ctx, body+at.CtrlZ, m.config.SendTimeout, 0)
	if err != nil {
		return 0, fmt.Errorf("SMS send failed: %w", err)
	}
	if !res.OK() {
		return 0, fmt.Errorf("unexpected SMS response: %s", res.Final)
	}
	return at.ParseSendReference(res.Lines)
}

func (m *Machine) setCharset(ctx context.Context, cs string) error {
	if _, err := m.exec.Execute(ctx, fmt.Sprintf(`AT+CSCS="%s"`, cs)); err != nil {
		return fmt.Errorf("select charset %s: %w", cs, err)
	}
	return nil
}

// csmpFor derives the text-mode parameters for flash and report requests.
func csmpFor(rec *Record) (fo, dcs int, custom bool) {
	fo, dcs = 17, 0
	if rec.WantReport {
		fo |= 32 // status-report request
		custom = true
	}
	if rec.Kind == KindFlash {
		dcs = 16 // class 0
		custom = true
	}
	return fo, dcs, custom
}

// allocRef hands out concatenation references, cyclic modulo 256.
func (m *Machine) allocRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRef = (m.nextRef + 1) % 256
	return m.nextRef
}

// GroupSent reports whether every segment of a concatenated message
// transmitted, along with the successful-segment count.
func GroupSent(records []*Record) (sent bool, successful int) {
	sent = len(records) > 0
	for _, rec := range records {
		switch rec.Status {
		case StatusSent, StatusDelivered:
			successful++
		default:
			sent = false
		}
	}
	return sent, successful
}

// History returns snapshots of the retained records, oldest first.
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

// Reports returns the correlated delivery reports received so far.
func (m *Machine) Reports() []at.DeliveryReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]at.DeliveryReport(nil), m.reports...)
}

// HandleURC processes unsolicited lines relevant to SMS: +CMTI (new
// message) wakes the poll; +CDS (status report) is correlated immediately.
func (m *Machine) HandleURC(line string) {
	switch {
	case strings.HasPrefix(line, at.UrcNewMsg), strings.HasPrefix(line, at.UrcMessageReport):
		m.wakePoll()
	case strings.HasPrefix(line, at.UrcStatusReport):
		report, err := at.ParseDeliveryReport(line)
		if err != nil {
			m.logger.Debug("unparseable +CDS", "line", line)
			return
		}
		m.applyReport(report)
	}
}

// wakePoll triggers an early poll cycle. A kick already in flight covers
// this one too.
func (m *Machine) wakePoll() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// applyReport advances the matching sent record to delivered.
func (m *Machine) applyReport(report at.DeliveryReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)
	if len(m.reports) > m.config.InboundLimit {
		m.reports = m.reports[len(m.reports)-m.config.InboundLimit:]
	}

	rec, ok := m.pending[report.Reference]
	if !ok {
		return
	}
	delete(m.pending, report.Reference)
	if report.Delivered() {
		now := time.Now()
		rec.Status = StatusDelivered
		rec.DeliveredAt = &now
	} else {
		rec.Status = StatusFailed
		rec.FailReason = fmt.Sprintf("delivery failed, status %d", report.Status)
	}
	m.logger.Info("delivery report",
		"reference", report.Reference, "delivered", report.Delivered())
}

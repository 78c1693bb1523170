// Package device assembles the per-modem stack: the command engine, the
// voice-call and SMS machines and the health monitor, with unsolicited
// result codes routed to whichever machine owns them.
package device

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/call"
	"i4.energy/across/modemctl/health"
	"i4.energy/across/modemctl/modem"
	"i4.energy/across/modemctl/sms"
)

// Config carries the settings for one assembled modem.
type Config struct {
	// ID identifies the modem in logs, alerts and the fleet API. When
	// empty the IMEI is used, or a generated ID if the IMEI is unknown.
	ID string

	Modem  modem.Config
	Call   call.Config
	SMS    sms.Config
	Health health.Config
}

// Device is one modem with its machines wired together. Create it with
// New and drive it with Run; the command methods are safe to call from
// any goroutine once Run is started.
type Device struct {
	id      string
	logger  *slog.Logger
	engine  *modem.Engine
	calls   *call.Machine
	sms     *sms.Machine
	monitor *health.Monitor

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New connects to the modem, brings it up and wires the machines. The
// device does not process commands or unsolicited codes until Run.
func New(ctx context.Context, logger *slog.Logger, config Config) (*Device, error) {
	engine, err := modem.New(ctx, config.Modem)
	if err != nil {
		return nil, err
	}

	id := config.ID
	if id == "" {
		if imei := engine.Identity().IMEI; imei != "" {
			id = imei
		} else {
			id = uuid.NewString()
		}
	}

	log := logger.With("modem", id)
	d := &Device{
		id:      id,
		logger:  log,
		engine:  engine,
		calls:   call.NewMachine(engine, log, config.Call),
		sms:     sms.NewMachine(engine, log, config.SMS),
		monitor: health.NewMonitor(id, engine, log, config.Health),
	}

	// Call and SMS outcomes feed the health success-rate metrics.
	d.calls.OnOutcome(func(answered bool) {
		d.monitor.CallOutcomes.Record(answered)
	})
	d.sms.OnOutcome(func(sent bool) {
		d.monitor.SMSOutcomes.Record(sent)
	})

	return d, nil
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// Running reports whether the device loops are active.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Identity returns the cached modem identity.
func (d *Device) Identity() modem.Identity { return d.engine.Identity() }

// Run starts the engine loop, both machines, the health monitor and the
// URC dispatcher, and blocks until the context is cancelled or one of
// them fails. The other loops are stopped before Run returns.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.engine.Loop(ctx) })
	g.Go(func() error { return d.calls.Run(ctx) })
	g.Go(func() error { return d.sms.Run(ctx) })
	g.Go(func() error { return d.monitor.Run(ctx) })
	g.Go(func() error { return d.dispatchURCs(ctx) })

	err := g.Wait()
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatchURCs routes unsolicited result codes to the owning machine.
func (d *Device) dispatchURCs(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-d.engine.URC():
			switch {
			case line == at.UrcCall,
				strings.HasPrefix(line, at.UrcCallerID),
				strings.HasPrefix(line, at.UrcDTMF):
				d.calls.HandleURC(line)
			case strings.HasPrefix(line, at.UrcNewMsg),
				strings.HasPrefix(line, at.UrcStatusReport),
				strings.HasPrefix(line, at.UrcMessageReport):
				d.sms.HandleURC(line)
			default:
				d.logger.Debug("unhandled URC", "line", line)
			}
		}
	}
}

// Close stops the loops and releases the serial port.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	return d.engine.Close()
}

// Dial places an outbound voice call.
func (d *Device) Dial(ctx context.Context, number string) (call.Record, error) {
	return d.calls.Dial(ctx, number)
}

// Answer accepts a ringing inbound call.
func (d *Device) Answer(ctx context.Context) (call.Record, error) {
	return d.calls.Answer(ctx)
}

// Hangup terminates all pending calls.
func (d *Device) Hangup(ctx context.Context) error { return d.calls.Hangup(ctx) }

// Hold places the connected call on hold.
func (d *Device) Hold(ctx context.Context) error { return d.calls.Hold(ctx) }

// Resume retrieves the held call.
func (d *Device) Resume(ctx context.Context) error { return d.calls.Resume(ctx) }

// SendDTMF transmits tone digits over the connected call.
func (d *Device) SendDTMF(ctx context.Context, digits string) error {
	return d.calls.SendDTMF(ctx, digits)
}

// ActiveCalls returns the non-terminal calls.
func (d *Device) ActiveCalls() []call.Record { return d.calls.Active() }

// CallHistory returns the finished calls, most recent last.
func (d *Device) CallHistory() []call.Record { return d.calls.History() }

// OnCallEvent registers a call lifecycle listener.
func (d *Device) OnCallEvent(l call.Listener) { d.calls.OnEvent(l) }

// OnDTMF registers a listener for received tone digits.
func (d *Device) OnDTMF(l call.DTMFListener) { d.calls.OnDTMF(l) }

// SendSMS queues a message for delivery and returns its segment records.
func (d *Device) SendSMS(destination, body string, opts sms.Options) ([]*sms.Record, error) {
	return d.sms.Send(destination, body, opts)
}

// SendBulk queues the same message to several destinations.
func (d *Device) SendBulk(destinations []string, body string, opts sms.Options) (map[string][]*sms.Record, error) {
	return d.sms.SendBulk(destinations, body, opts)
}

// FetchSMS retrieves stored inbound messages from the modem and returns
// everything received so far.
func (d *Device) FetchSMS(ctx context.Context) ([]sms.Inbound, error) {
	return d.sms.Fetch(ctx)
}

// InboundSMS returns the received messages without consuming them.
func (d *Device) InboundSMS() []sms.Inbound { return d.sms.Messages() }

// SMSHistory returns the outbound message records, most recent last.
func (d *Device) SMSHistory() []sms.Record { return d.sms.History() }

// DeliveryReports returns the received delivery reports.
func (d *Device) DeliveryReports() []at.DeliveryReport { return d.sms.Reports() }

// Diagnostics returns the current health summary.
func (d *Device) Diagnostics() health.Diagnostics { return d.monitor.Diagnostics() }

// RecentAlerts returns up to n most recent health alerts.
func (d *Device) RecentAlerts(n int) []health.Alert { return d.monitor.RecentAlerts(n) }

// OnAlert registers a health alert listener.
func (d *Device) OnAlert(f func(health.Alert)) { d.monitor.OnAlert(f) }

// Reset performs a full modem reset and re-initialisation.
func (d *Device) Reset(ctx context.Context) error { return d.engine.FullReset(ctx) }

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/modemctl/call"
	"i4.energy/across/modemctl/health"
)

// Publisher pushes modem events to MQTT. A nil Publisher is valid and
// drops everything, so the fleet can be wired unconditionally.
type Publisher struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to the broker, or returns nil when no broker is
// configured. Connection failures are logged, not fatal; the client
// reconnects in the background.
func NewPublisher(ctx context.Context, config *Config, logger *slog.Logger) *Publisher {
	if config.MQTTBroker == "" {
		return nil
	}

	log := logger.With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUser != "" {
		opts.SetUsername(config.MQTTUser)
		opts.SetPassword(config.MQTTPass)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected", "broker", config.MQTTBroker)
	})

	client := mqtt.NewClient(opts)
	t := client.Connect()
	t.Wait()
	if t.Error() != nil {
		log.Error("connect failed", "error", t.Error())
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(500)
	}()

	return &Publisher{client: client, prefix: config.MQTTPrefix, logger: log}
}

func (p *Publisher) publish(topic string, payload any) {
	if p == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("marshal event", "topic", topic, "error", err)
		return
	}
	p.client.Publish(p.prefix+"/"+topic, 0, false, data)
}

// CallEvent publishes a call lifecycle event for one modem.
func (p *Publisher) CallEvent(modemID string, event call.Event, rec call.Record) {
	p.publish(modemID+"/call", map[string]any{
		"event":     string(event),
		"call_id":   rec.ID,
		"number":    rec.Number,
		"direction": rec.Direction.String(),
		"state":     rec.State.String(),
		"duration":  rec.Duration.Seconds(),
		"time":      time.Now().UTC(),
	})
}

// DTMF publishes a received tone digit.
func (p *Publisher) DTMF(modemID string, ev call.DTMFEvent) {
	p.publish(modemID+"/dtmf", map[string]any{
		"call_id": ev.CallID,
		"digit":   string(ev.Digit),
		"time":    ev.At.UTC(),
	})
}

// Alert publishes a health alert.
func (p *Publisher) Alert(alert health.Alert) {
	p.publish(alert.ModemID+"/health", map[string]any{
		"metric":    alert.Metric,
		"severity":  alert.Severity.String(),
		"message":   alert.Message,
		"value":     alert.Value,
		"threshold": alert.Threshold,
		"action":    alert.Action,
		"time":      alert.Timestamp.UTC(),
	})
}

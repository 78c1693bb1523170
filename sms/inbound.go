package sms

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/modemctl/at"
)

type partialKey struct {
	sender string
	ref    int
}

// partial buffers segments of a multi-part inbound message until all parts
// arrived or the TTL evicts it.
type partial struct {
	parts   map[int]string
	total   int
	time    string
	started time.Time
}

// pollCycle retrieves unread messages and sweeps stale partials. It runs
// inside the machine's own loop; all engine access stays serialized.
func (m *Machine) pollCycle(ctx context.Context) {
	if err := m.retrieve(ctx, at.CmdListUnread); err != nil {
		m.logger.Warn("inbound poll failed", "error", err)
	}
	m.sweepPartials()
}

// Fetch retrieves both the unread and read stores on demand and returns
// the logical messages collected so far, clearing the inbound buffer.
func (m *Machine) Fetch(ctx context.Context) ([]Inbound, error) {
	if err := m.retrieve(ctx, at.CmdListUnread); err != nil {
		return nil, err
	}
	if err := m.retrieve(ctx, at.CmdListRead); err != nil {
		return nil, err
	}
	return m.Drain(), nil
}

// Messages returns the collected inbound messages without clearing them.
func (m *Machine) Messages() []Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Inbound(nil), m.inbound...)
}

// Drain returns and clears the collected inbound messages.
func (m *Machine) Drain() []Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbound
	m.inbound = nil
	return out
}

func (m *Machine) retrieve(ctx context.Context, listCmd string) error {
	res, err := m.exec.Execute(ctx, listCmd)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	stored, err := at.ParseMessageList(res.Lines)
	if err != nil {
		return err
	}

	for _, msg := range stored {
		m.accept(msg)
		if m.config.DeleteAfterRead {
			if _, err := m.exec.Execute(ctx, at.DeleteSMS(msg.Index)); err != nil {
				m.logger.Warn("delete stored message failed",
					"index", msg.Index, "error", err)
			}
		}
	}
	return nil
}

// accept decodes one stored message and either emits it directly or files
// it into its partial-reassembly buffer.
func (m *Machine) accept(msg at.StoredMessage) {
	body, concat := decodeInboundBody(msg.Body)

	m.mu.Lock()
	defer m.mu.Unlock()

	if concat == nil {
		m.appendInboundLocked(Inbound{
			Sender:     msg.Sender,
			Body:       body,
			Time:       msg.Time,
			ReceivedAt: time.Now(),
			Parts:      1,
		})
		return
	}

	key := partialKey{sender: msg.Sender, ref: concat.Ref}
	p, ok := m.partials[key]
	if !ok {
		p = &partial{
			parts:   make(map[int]string),
			total:   concat.Total,
			time:    msg.Time,
			started: time.Now(),
		}
		m.partials[key] = p
	}
	p.parts[concat.Part] = body

	if len(p.parts) < p.total {
		return
	}

	// All parts present: rejoin in part order.
	full := ""
	for i := 1; i <= p.total; i++ {
		full += p.parts[i]
	}
	delete(m.partials, key)
	m.appendInboundLocked(Inbound{
		Sender:     msg.Sender,
		Body:       full,
		Time:       p.time,
		ReceivedAt: time.Now(),
		Parts:      p.total,
	})
}

func (m *Machine) appendInboundLocked(msg Inbound) {
	m.inbound = append(m.inbound, msg)
	if len(m.inbound) > m.config.InboundLimit {
		m.inbound = m.inbound[len(m.inbound)-m.config.InboundLimit:]
	}
	m.logger.Info("inbound sms", "sender", msg.Sender, "parts", msg.Parts)
}

// sweepPartials drops reassembly buffers that exceeded the TTL. Missing
// parts at that point will never arrive in order; holding the rest forever
// would leak.
func (m *Machine) sweepPartials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.config.PartialTTL)
	for key, p := range m.partials {
		if p.started.Before(cutoff) {
			delete(m.partials, key)
			m.logger.Warn("evicted incomplete multi-part message",
				"sender", key.sender, "reference", key.ref,
				"have", len(p.parts), "want", p.total)
		}
	}
}

// decodeInboundBody interprets a stored message body. Concatenated messages
// arrive as hex-encoded UCS2 prefixed by a user-data header
// (05 00 03 <ref> <total> <seq>) when the sender used 8-bit concatenation
// references; only that header is a reliable marker. Anything else passes
// through untouched, because a short plain-text message may itself look
// like hex ("1234ABCD") and must not be reinterpreted.
func decodeInboundBody(raw string) (string, *Concat) {
	if len(raw) < 12 || len(raw)%2 != 0 {
		return raw, nil
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return raw, nil
	}

	// UDH with the 8-bit concatenation element.
	if len(data) > 6 && data[0] == 0x05 && data[1] == 0x00 && data[2] == 0x03 {
		concat := &Concat{Ref: int(data[3]), Total: int(data[4]), Part: int(data[5])}
		text := decodeUCS2OrRaw(data[6:], raw)
		return text, concat
	}
	return raw, nil
}

func decodeUCS2OrRaw(data []byte, raw string) string {
	if len(data)%2 == 0 {
		if runes, err := ucs2.Decode(data); err == nil {
			return string(runes)
		}
	}
	return raw
}

// Package sms implements the per-modem SMS state machine: validation,
// encoding-aware segmentation, a paced transmit queue, delivery-report
// correlation and inbound retrieval with multi-part reassembly.
package sms

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one outbound record.
type Status int

const (
	StatusQueued Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Encoding selects the character encoding of a message body.
type Encoding int

const (
	// EncodingAuto picks GSM7 when the body fits the 7-bit default
	// alphabet and UCS2 otherwise.
	EncodingAuto Encoding = iota
	EncodingGSM7
	EncodingUCS2
)

func (e Encoding) String() string {
	switch e {
	case EncodingGSM7:
		return "gsm7"
	case EncodingUCS2:
		return "ucs2"
	default:
		return "auto"
	}
}

// Kind distinguishes plain, flash and concatenated messages.
type Kind int

const (
	KindNormal Kind = iota
	KindFlash
	KindConcatenated
)

// Concat describes one segment's place in a concatenated message. All
// segments of one logical message share the same Ref.
type Concat struct {
	Ref   int // cyclic modulo 256
	Part  int // 1-based
	Total int
}

// Record is one SMS segment as tracked by the machine. A logical message
// longer than a single segment materializes as N records sharing one
// concatenation reference.
type Record struct {
	ID          string
	Destination string
	Body        string
	Status      Status
	Encoding    Encoding
	Kind        Kind

	CreatedAt   time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time

	// Reference is the modem-assigned message reference from +CMGS,
	// used to correlate delivery reports.
	Reference int
	// Retries counts transmission attempts beyond the first.
	Retries int
	// Concat is set on segments of a concatenated message.
	Concat *Concat
	// WantReport requests an SMSC status report for this record.
	WantReport bool
	// FailReason records why a record ended up failed.
	FailReason string
}

// Inbound is one received logical message, after reassembly.
type Inbound struct {
	Sender     string
	Body       string
	Time       string // modem timestamp string as reported
	ReceivedAt time.Time
	Parts      int // 1 for single-segment messages
}

// Options modify a single Send call.
type Options struct {
	// Flash requests a class-0 (flash) message.
	Flash bool
	// DeliveryReport requests a status report from the SMSC.
	DeliveryReport bool
	// Encoding forces the body encoding; EncodingAuto selects it.
	Encoding Encoding
}

var (
	// ErrInvalidDestination is returned for numbers failing validation.
	ErrInvalidDestination = errors.New("invalid destination number")

	// ErrEmptyBody is returned for messages with no content.
	ErrEmptyBody = errors.New("empty message body")

	// ErrQueueFull is returned when the transmit queue cannot accept more
	// records.
	ErrQueueFull = errors.New("transmit queue full")

	// ErrNotEncodable is returned when a body cannot be represented in the
	// requested encoding.
	ErrNotEncodable = errors.New("body not representable in requested encoding")
)

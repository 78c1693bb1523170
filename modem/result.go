package modem

import (
	"context"
	"errors"
	"strings"
	"time"

	"i4.energy/across/modemctl/at"
)

// Outcome classifies how a command exchange concluded. It is a
// deterministic function of the terminal line observed (or of the absence
// of one).
type Outcome int

const (
	// OutcomeSuccess: the modem answered with OK, CONNECT or the SMS prompt.
	OutcomeSuccess Outcome = iota
	// OutcomeError: the modem answered with an error final
	// (ERROR, +CME ERROR, +CMS ERROR, NO CARRIER, BUSY, NO ANSWER).
	OutcomeError
	// OutcomeTimeout: no terminal line arrived within the command deadline.
	OutcomeTimeout
	// OutcomeNoResponse: the transport failed or closed before any terminal
	// line was read.
	OutcomeNoResponse
	// OutcomeInvalid: a response arrived but did not end in a recognized
	// terminal token.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNoResponse:
		return "no-response"
	default:
		return "invalid"
	}
}

// Result is the uniform outcome of one command execution. It is immutable
// once produced; every layer built on the engine consumes this type.
type Result struct {
	// Command is the AT command as submitted (without line terminator).
	Command string
	// Outcome classifies the exchange.
	Outcome Outcome
	// Final is the terminal token that ended the response, if any.
	Final string
	// Lines are the intermediate data lines, in arrival order.
	Lines []string
	// Payload is Lines joined by newlines, for callers that match on text.
	Payload string
	// Duration is the elapsed time of the final attempt, write to terminal.
	Duration time.Duration
}

// OK reports whether the command concluded successfully.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Prompted reports whether the exchange ended at the SMS input prompt.
func (r Result) Prompted() bool { return r.Final == at.Prompt }

// classify derives the Outcome for a finished exchange.
func classify(final string, err error) Outcome {
	switch {
	case err == nil && (final == at.OK || final == at.Prompt || strings.HasPrefix(final, at.Connect)):
		return OutcomeSuccess
	case err == nil && at.IsErrorFinal(final):
		return OutcomeError
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return OutcomeTimeout
	case final == "":
		return OutcomeNoResponse
	default:
		return OutcomeInvalid
	}
}

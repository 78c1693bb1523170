package modem

import (
	"context"
	"strings"
	"time"

	"i4.energy/across/modemctl/at"
)

// Identity is the cached snapshot of device and network facts. It is
// captured during bring-up and refreshed on demand; readers get the cache,
// not a fresh query.
type Identity struct {
	Manufacturer string
	Model        string
	Revision     string
	IMEI         string
	Operator     string
	Signal       at.Signal
	Registered   bool
	SIMReady     bool
	RefreshedAt  time.Time
}

// Identity returns the cached device identity snapshot.
func (e *Engine) Identity() Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity
}

// RefreshIdentity re-queries the device and network facts through the
// running Loop and updates the cache.
func (e *Engine) RefreshIdentity(ctx context.Context) (Identity, error) {
	if err := e.loadIdentity(ctx, e.exec); err != nil {
		return Identity{}, err
	}
	return e.Identity(), nil
}

// loadIdentity populates the identity cache using the given exchange
// primitive. Individual queries are best-effort: a modem that does not
// support one of them leaves that field empty.
func (e *Engine) loadIdentity(ctx context.Context, run execFn) error {
	var id Identity

	fields := []struct {
		dst *string
		cmd string
	}{
		{&id.Manufacturer, at.CmdManufacturer},
		{&id.Model, at.CmdModel},
		{&id.Revision, at.CmdRevision},
		{&id.IMEI, at.CmdIMEI},
	}
	for _, f := range fields {
		resp := run(ctx, f.cmd)
		if resp.err != nil {
			return resp.err
		}
		*f.dst = firstDataLine(resp.lines)
	}

	if resp := run(ctx, at.CmdOperator); resp.err == nil {
		id.Operator = parseOperator(firstDataLine(resp.lines))
	}
	if resp := run(ctx, at.CmdSignalQuality); resp.err == nil {
		if sig, err := at.ParseSignal(firstDataLine(resp.lines)); err == nil {
			id.Signal = sig
		}
	}
	if resp := run(ctx, at.CmdRegistration); resp.err == nil {
		if reg, err := at.ParseRegistration(firstDataLine(resp.lines)); err == nil {
			id.Registered = reg.Registered()
		}
	}
	if resp := run(ctx, at.CmdSimStatus); resp.err == nil {
		id.SIMReady = strings.Contains(strings.Join(resp.lines, "\n"), at.SimReady)
	}

	id.RefreshedAt = time.Now()

	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
	return nil
}

// firstDataLine returns the first non-echo, non-empty data line.
func firstDataLine(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "AT") {
			continue
		}
		return line
	}
	return ""
}

// parseOperator extracts the operator name from a +COPS response, e.g.
// `+COPS: 0,0,"Vodafone",7`.
func parseOperator(line string) string {
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(line[start+1:], '"')
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

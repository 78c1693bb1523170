package at

import (
	"fmt"
	"strconv"
	"strings"
)

// Call states reported in the <stat> field of +CLCC.
const (
	CallStatActive   = 0
	CallStatHeld     = 1
	CallStatDialing  = 2
	CallStatAlerting = 3
	CallStatIncoming = 4
	CallStatWaiting  = 5
)

// CallInfo is one entry of the modem's current-call list (+CLCC).
type CallInfo struct {
	Index    int
	Inbound  bool
	Stat     int
	Number   string
	NumberTy int
}

// Signal is a parsed +CSQ report.
type Signal struct {
	RSSI int // 0..31, 99 = unknown
	BER  int // 0..7, 99 = unknown
}

// Dbm converts the RSSI index to dBm per 3GPP TS 27.007.
func (s Signal) Dbm() int {
	if s.RSSI == 99 {
		return -113
	}
	return -113 + 2*s.RSSI
}

// Known reports whether the modem measured a usable signal level.
func (s Signal) Known() bool { return s.RSSI != 99 }

// ParseSignal parses a "+CSQ: <rssi>,<ber>" line.
func ParseSignal(line string) (Signal, error) {
	var s Signal
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "+CSQ: %d,%d", &s.RSSI, &s.BER); err != nil {
		return Signal{}, fmt.Errorf("parse +CSQ %q: %w", line, err)
	}
	return s, nil
}

// Registration is a parsed +CREG report.
type Registration struct {
	Status int // 1 = home, 5 = roaming, others unregistered/searching/denied
}

// Registered reports whether the modem is attached to a network.
func (r Registration) Registered() bool { return r.Status == 1 || r.Status == 5 }

// ParseRegistration parses a "+CREG: <n>,<stat>" line.
func ParseRegistration(line string) (Registration, error) {
	var n, stat int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "+CREG: %d,%d", &n, &stat); err != nil {
		return Registration{}, fmt.Errorf("parse +CREG %q: %w", line, err)
	}
	return Registration{Status: stat}, nil
}

// Battery is a parsed +CBC report.
type Battery struct {
	Charging   bool
	Percent    int
	Millivolts int
}

// ParseBattery parses a "+CBC: <bcs>,<bcl>[,<voltage>]" line. The voltage
// field is optional; not all modems report it.
func ParseBattery(line string) (Battery, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "+CBC:"))
	fields := strings.Split(rest, ",")
	if len(fields) < 2 {
		return Battery{}, fmt.Errorf("parse +CBC %q: too few fields", line)
	}
	bcs, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Battery{}, fmt.Errorf("parse +CBC %q: %w", line, err)
	}
	bcl, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return Battery{}, fmt.Errorf("parse +CBC %q: %w", line, err)
	}
	b := Battery{Charging: bcs == 1, Percent: bcl}
	if len(fields) >= 3 {
		if mv, err := strconv.Atoi(strings.TrimSpace(fields[2])); err == nil {
			b.Millivolts = mv
		}
	}
	return b, nil
}

// ParseTemperature parses a "+CMTE: <mode>,<temp>" line (degrees Celsius).
// Not every chipset supports the query.
func ParseTemperature(line string) (float64, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "+CMTE:"))
	fields := strings.Split(rest, ",")
	if len(fields) < 2 {
		return 0, fmt.Errorf("parse +CMTE %q: too few fields", line)
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("parse +CMTE %q: %w", line, err)
	}
	return temp, nil
}

// Storage is a parsed +CPMS report for the first (reading) memory.
type Storage struct {
	Used  int
	Total int
}

// UsedRatio returns used/total in [0,1], or 0 when the total is unknown.
func (s Storage) UsedRatio() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Total)
}

// ParseStorage parses a `+CPMS: "SM",12,30,...` line.
func ParseStorage(line string) (Storage, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "+CPMS:"))
	fields := strings.Split(rest, ",")
	if len(fields) < 3 {
		return Storage{}, fmt.Errorf("parse +CPMS %q: too few fields", line)
	}
	used, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return Storage{}, fmt.Errorf("parse +CPMS %q: %w", line, err)
	}
	total, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return Storage{}, fmt.Errorf("parse +CPMS %q: %w", line, err)
	}
	return Storage{Used: used, Total: total}, nil
}

// ParseCallList parses the data lines of an AT+CLCC response. Lines that
// are not +CLCC entries are skipped; an empty call list is not an error.
func ParseCallList(lines []string) ([]CallInfo, error) {
	var calls []CallInfo
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+CLCC:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "+CLCC:"))
		fields := splitQuoted(rest)
		if len(fields) < 6 {
			return nil, fmt.Errorf("parse +CLCC %q: too few fields", line)
		}
		var info CallInfo
		var err error
		if info.Index, err = strconv.Atoi(fields[0]); err != nil {
			return nil, fmt.Errorf("parse +CLCC index %q: %w", line, err)
		}
		dir, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse +CLCC direction %q: %w", line, err)
		}
		info.Inbound = dir == 1
		if info.Stat, err = strconv.Atoi(fields[2]); err != nil {
			return nil, fmt.Errorf("parse +CLCC stat %q: %w", line, err)
		}
		info.Number = unquote(fields[5])
		if len(fields) >= 7 {
			info.NumberTy, _ = strconv.Atoi(fields[6])
		}
		calls = append(calls, info)
	}
	return calls, nil
}

// StoredMessage is one entry of an AT+CMGL text-mode listing.
type StoredMessage struct {
	Index  int
	Status string // "REC UNREAD", "REC READ", ...
	Sender string
	Time   string
	Body   string
}

// ParseMessageList parses the data lines of an AT+CMGL response in text
// mode. Each +CMGL header line is followed by one or more body lines,
// which belong to that message until the next header.
func ParseMessageList(lines []string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	var cur *StoredMessage
	var body []string

	flush := func() {
		if cur != nil {
			cur.Body = strings.Join(body, "\n")
			msgs = append(msgs, *cur)
			cur = nil
			body = nil
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "+CMGL:") {
			flush()
			rest := strings.TrimSpace(strings.TrimPrefix(line, "+CMGL:"))
			fields := splitQuoted(rest)
			if len(fields) < 2 {
				return nil, fmt.Errorf("parse +CMGL %q: too few fields", line)
			}
			idx, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("parse +CMGL index %q: %w", line, err)
			}
			cur = &StoredMessage{Index: idx, Status: unquote(fields[1])}
			if len(fields) >= 3 {
				cur.Sender = unquote(fields[2])
			}
			if len(fields) >= 5 {
				cur.Time = unquote(fields[4])
			}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return msgs, nil
}

// ParseSendReference extracts the message reference assigned by the modem
// from a "+CMGS: <mr>" line within the given response lines.
func ParseSendReference(lines []string) (int, error) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+CMGS:") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "+CMGS:"))
		// Some modems append ",<ackpdu>" after the reference.
		if i := strings.IndexByte(rest, ','); i >= 0 {
			rest = rest[:i]
		}
		ref, err := strconv.Atoi(rest)
		if err != nil {
			return 0, fmt.Errorf("parse +CMGS %q: %w", line, err)
		}
		return ref, nil
	}
	return 0, fmt.Errorf("no +CMGS reference in response")
}

// DeliveryReport is a parsed text-mode +CDS status report.
type DeliveryReport struct {
	Reference   int
	Destination string
	Discharge   string
	Status      int // 0 = delivered, 32..63 temporary error, 64+ permanent
}

// Delivered reports whether the recipient acknowledged the message.
func (d DeliveryReport) Delivered() bool { return d.Status == 0 }

// ParseDeliveryReport parses a text-mode "+CDS: <fo>,<mr>,<ra>,<tora>,
// <scts>,<dt>,<st>" line.
func ParseDeliveryReport(line string) (DeliveryReport, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "+CDS:"))
	fields := splitQuoted(rest)
	if len(fields) < 7 {
		return DeliveryReport{}, fmt.Errorf("parse +CDS %q: too few fields", line)
	}
	ref, err := strconv.Atoi(fields[1])
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("parse +CDS reference %q: %w", line, err)
	}
	st, err := strconv.Atoi(fields[6])
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("parse +CDS status %q: %w", line, err)
	}
	return DeliveryReport{
		Reference:   ref,
		Destination: unquote(fields[2]),
		Discharge:   unquote(fields[5]),
		Status:      st,
	}, nil
}

// ParseCallerID extracts the calling number from a +CLIP URC.
func ParseCallerID(line string) (string, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), UrcCallerID))
	fields := splitQuoted(rest)
	if len(fields) < 1 || unquote(fields[0]) == "" {
		return "", fmt.Errorf("parse +CLIP %q: no number", line)
	}
	return unquote(fields[0]), nil
}

// ParseDTMF extracts the received digit from a +DTMF URC.
func ParseDTMF(line string) (byte, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), UrcDTMF))
	rest = unquote(rest)
	if len(rest) != 1 {
		return 0, fmt.Errorf("parse +DTMF %q: expected single digit", line)
	}
	return rest[0], nil
}

// splitQuoted splits a comma-separated field list, keeping commas inside
// double quotes intact. Fields are returned trimmed but still quoted.
func splitQuoted(s string) []string {
	var fields []string
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == ',' && !inQuote:
			fields = append(fields, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	fields = append(fields, strings.TrimSpace(b.String()))
	return fields
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

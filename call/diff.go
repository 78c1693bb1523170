package call

import (
	"i4.energy/across/modemctl/at"
)

// Delta is the outcome of reconciling the modem's reported call list
// against the local registry.
type Delta struct {
	// New are reported calls with no matching local record.
	New []at.CallInfo
	// Changed pairs a local record's number with its newly reported entry.
	Changed []Change
	// Removed are the numbers of local records absent from the report.
	Removed []string
}

// Change is one call whose reported state differs from the local record.
type Change struct {
	Number string
	Info   at.CallInfo
}

// diffCalls computes the reconciliation delta between the previously known
// active records (keyed by number) and the current +CLCC report. It is a
// pure function so the reconciliation logic is testable apart from the
// polling loop.
func diffCalls(active map[string]*Record, current []at.CallInfo) Delta {
	var d Delta
	seen := make(map[string]bool, len(current))

	for _, info := range current {
		seen[info.Number] = true
		rec, ok := active[info.Number]
		if !ok {
			d.New = append(d.New, info)
			continue
		}
		if stateFor(info.Stat, rec.Direction) != rec.State {
			d.Changed = append(d.Changed, Change{Number: info.Number, Info: info})
		}
	}

	for number := range active {
		if !seen[number] {
			d.Removed = append(d.Removed, number)
		}
	}
	return d
}

// stateFor maps a +CLCC <stat> code onto the machine's state space.
func stateFor(stat int, dir Direction) State {
	switch stat {
	case at.CallStatActive:
		return StateConnected
	case at.CallStatHeld:
		return StateHolding
	case at.CallStatDialing:
		return StateDialing
	case at.CallStatAlerting:
		return StateRinging
	case at.CallStatIncoming, at.CallStatWaiting:
		return StateRinging
	default:
		if dir == Inbound {
			return StateRinging
		}
		return StateDialing
	}
}

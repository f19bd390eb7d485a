// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package task

// Phase is a step of the download state machine.
type Phase int

const (
	ParseSource Phase = iota
	DownloadSlice
	CheckSource
	Merger
	DownloadEnd
	Unsupported
)

var phaseNames = [...]string{
	ParseSource:   "parseSource",
	DownloadSlice: "downloadSlice",
	CheckSource:   "checkSource",
	Merger:        "merger",
	DownloadEnd:   "downloadEnd",
	Unsupported:   "unsupported",
}

// String returns the wire name of the phase.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return phaseNames[Unsupported]
	}
	return phaseNames[p]
}

// ParsePhase maps a wire name to a Phase. The empty string is ParseSource;
// anything unknown is Unsupported.
func ParsePhase(s string) Phase {
	if s == "" {
		return ParseSource
	}
	for p := ParseSource; p < Unsupported; p++ {
		if phaseNames[p] == s {
			return p
		}
	}
	return Unsupported
}

// Terminal reports whether the machine stops at p.
func (p Phase) Terminal() bool {
	return p == DownloadEnd
}

// Outcome is the result a phase reports when it finishes.
type Outcome int

const (
	// Done means the phase finished its work.
	Done Outcome = iota
	// Incomplete means the ledger still has missing segments.
	Incomplete
)

// Transition returns the phase that follows from after it ends with o.
// Unsupported and DownloadEnd have no successor and map to themselves.
func Transition(from Phase, o Outcome) Phase {
	switch from {
	case ParseSource:
		return DownloadSlice
	case DownloadSlice:
		return CheckSource
	case CheckSource:
		if o == Incomplete {
			return DownloadSlice
		}
		return Merger
	case Merger:
		return DownloadEnd
	case DownloadEnd:
		return DownloadEnd
	default:
		return Unsupported
	}
}

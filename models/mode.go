package models

// OperatingMode is the degradation level of the pipeline. Modes are ordered:
// NORMAL < DEGRADED < CRITICAL.
type OperatingMode int

const (
	ModeNormal OperatingMode = iota
	ModeDegraded
	ModeCritical
)

func (m OperatingMode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeDegraded:
		return "DEGRADED"
	case ModeCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ModeChange describes a transition between operating modes.
type ModeChange struct {
	From   OperatingMode
	To     OperatingMode
	Reason string
}

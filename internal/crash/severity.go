package crash

import "fuzzcore/internal/types"

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type Exploitability string

const (
	ExploitabilityLikely   Exploitability = "likely"
	ExploitabilityPossible Exploitability = "possible"
	ExploitabilityUnlikely Exploitability = "unlikely"
)

// SeverityPolicy rates a new crash cluster. Deployments with their own triage rules
// plug in a different policy.
type SeverityPolicy interface {
	Assess(fp Fingerprint, crash types.CrashInfo) (Severity, Exploitability)
}

// DefaultSeverityPolicy rates memory corruption highest and plain exceptions lowest
type DefaultSeverityPolicy struct{}

func (DefaultSeverityPolicy) Assess(fp Fingerprint, crash types.CrashInfo) (Severity, Exploitability) {
	switch fp.Signal {
	case SignalHeapOverflow, SignalStackOverflow, SignalUseAfterFree, SignalDoubleFree:
		return SeverityCritical, ExploitabilityLikely
	case SignalSegv, SignalBus, SignalIllegal:
		return SeverityCritical, ExploitabilityPossible
	case SignalNullDeref, SignalOOM, SignalRecursion:
		return SeverityHigh, ExploitabilityUnlikely
	case SignalIndexOOB, SignalDivideByZero, SignalTimeout:
		return SeverityMedium, ExploitabilityUnlikely
	default:
		return SeverityLow, ExploitabilityUnlikely
	}
}

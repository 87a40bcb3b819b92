package metering

// The balance formula and the settlement arithmetic live here as pure
// functions. Every call site — display, authorization, settlement,
// reclamation — goes through these; no other code computes them.

// AvailableUnits is the single balance formula:
// purchased + earned + adminGranted + approved grant requests - used.
// The result may be transiently negative between reservation and refund;
// callers floor at zero only for display.
func AvailableUnits(record BalanceRecord, approvedGrants Units) Units {
	return record.Purchased + record.Earned + record.AdminGranted + approvedGrants - record.Used
}

// SettlementPolicy parameterizes what counts as billable. Failed units are
// always refunded; zero-result units (completed but with no useful output)
// are charged unless RefundZeroResult is set.
type SettlementPolicy struct {
	RefundZeroResult bool
}

// SettleReported converts a caller-reported usage summary into the
// consumed/refunded split. Consumed is clamped to [0, reserved] so an
// over-reporting caller can never produce a negative refund; the clamped
// flag tells the caller to log the upstream bug.
func SettleReported(reserved Units, report UsageReport, policy SettlementPolicy) (consumed, refunded Units, clamped bool) {
	consumed = report.Completed - report.Failed
	if policy.RefundZeroResult {
		consumed -= report.ZeroResult
	}
	if consumed < 0 {
		consumed = 0
		clamped = true
	}
	if consumed > reserved {
		consumed = reserved
		clamped = true
	}
	refunded = reserved - consumed
	return consumed, refunded, clamped
}

// SettleRecovered converts a ground-truth completed-unit sum into the
// consumed/refunded split for an abandoned reservation. Never charges more
// than was reserved, even if ground truth reports more.
func SettleRecovered(reserved Units, recovered Units) (consumed, refunded Units) {
	consumed = recovered
	if consumed < 0 {
		consumed = 0
	}
	if consumed > reserved {
		consumed = reserved
	}
	refunded = reserved - consumed
	return consumed, refunded
}

// TTLPolicy controls how long a pending reservation lives before the
// reclamation job may settle it.
type TTLPolicy struct {
	SecondsPerUnit int64
	MinMinutes     int64
	MaxMinutes     int64
}

// DefaultTTLPolicy allows 3 seconds per workload unit, floored at 30
// minutes and capped at 12 hours.
var DefaultTTLPolicy = TTLPolicy{
	SecondsPerUnit: 3,
	MinMinutes:     30,
	MaxMinutes:     720,
}

// ReservationTTLSeconds computes the dynamic expiry window: larger batches
// get proportionally more time before being considered abandoned. A zero
// workload still yields the floor.
func ReservationTTLSeconds(workloadSize int64, policy TTLPolicy) int64 {
	minutes := workloadSize * policy.SecondsPerUnit / 60
	if minutes < policy.MinMinutes {
		minutes = policy.MinMinutes
	}
	if minutes > policy.MaxMinutes {
		minutes = policy.MaxMinutes
	}
	return minutes * 60
}

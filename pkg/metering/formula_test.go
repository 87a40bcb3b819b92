package metering

import "testing"

func TestAvailableUnitsSumsEveryGrantSource(test *testing.T) {
	test.Parallel()
	record := BalanceRecord{
		Purchased:    WholeUnits(1000),
		Earned:       WholeUnits(50),
		AdminGranted: WholeUnits(25),
		Used:         WholeUnits(200),
	}
	available := AvailableUnits(record, WholeUnits(10))
	if available != WholeUnits(885) {
		test.Fatalf("expected 885 units available, got %.3f", available.Float64())
	}
	// Each source must contribute; a formula that drops one breaks here.
	for _, variant := range []struct {
		name   string
		record BalanceRecord
		want   Units
	}{
		{"purchased-only", BalanceRecord{Purchased: WholeUnits(10)}, WholeUnits(10)},
		{"earned-only", BalanceRecord{Earned: WholeUnits(10)}, WholeUnits(10)},
		{"admin-only", BalanceRecord{AdminGranted: WholeUnits(10)}, WholeUnits(10)},
	} {
		if got := AvailableUnits(variant.record, 0); got != variant.want {
			test.Fatalf("%s: expected %.3f, got %.3f", variant.name, variant.want.Float64(), got.Float64())
		}
	}
	if got := AvailableUnits(BalanceRecord{}, WholeUnits(10)); got != WholeUnits(10) {
		test.Fatalf("approved grants must feed the formula, got %.3f", got.Float64())
	}
}

func TestAvailableUnitsMayGoNegativeTransiently(test *testing.T) {
	test.Parallel()
	record := BalanceRecord{Purchased: WholeUnits(5), Used: WholeUnits(8)}
	available := AvailableUnits(record, 0)
	if available != WholeUnits(-3) {
		test.Fatalf("expected -3 raw available, got %.3f", available.Float64())
	}
	if available.FloorZero() != 0 {
		test.Fatalf("display value must floor at zero")
	}
}

func TestReservationTTLScalesWithWorkload(test *testing.T) {
	test.Parallel()
	policy := DefaultTTLPolicy
	cases := []struct {
		workload int64
		seconds  int64
	}{
		{0, 30 * 60},
		{100, 30 * 60},
		{6000, 300 * 60},
		{1_000_000, 720 * 60},
	}
	for _, entry := range cases {
		if got := ReservationTTLSeconds(entry.workload, policy); got != entry.seconds {
			test.Fatalf("workload %d: expected %d seconds, got %d", entry.workload, entry.seconds, got)
		}
	}
}

func TestSettleReportedChargesCompletedMinusFailed(test *testing.T) {
	test.Parallel()
	consumed, refunded, clamped := SettleReported(WholeUnits(300), UsageReport{
		Completed: WholeUnits(280),
		Failed:    WholeUnits(10),
	}, SettlementPolicy{})
	if consumed != WholeUnits(270) || refunded != WholeUnits(30) {
		test.Fatalf("expected 270/30, got %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
	if clamped {
		test.Fatalf("well-formed report must not clamp")
	}
	if consumed+refunded != WholeUnits(300) {
		test.Fatalf("conservation violated")
	}
}

func TestSettleReportedNeverProducesNegativeRefund(test *testing.T) {
	test.Parallel()
	consumed, refunded, clamped := SettleReported(WholeUnits(3), UsageReport{
		Completed: WholeUnits(50),
	}, SettlementPolicy{})
	if consumed != WholeUnits(3) || refunded != 0 {
		test.Fatalf("expected consumed clamped to 3, got %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
	if !clamped {
		test.Fatalf("over-report must flag the clamp")
	}
}

func TestSettleReportedFloorsConsumedAtZero(test *testing.T) {
	test.Parallel()
	consumed, refunded, clamped := SettleReported(WholeUnits(3), UsageReport{
		Completed: WholeUnits(5),
		Failed:    WholeUnits(10),
	}, SettlementPolicy{})
	if consumed != 0 || refunded != WholeUnits(3) {
		test.Fatalf("expected full refund, got %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
	if !clamped {
		test.Fatalf("negative raw consumption must flag the clamp")
	}
}

func TestSettleReportedZeroResultPolicy(test *testing.T) {
	test.Parallel()
	report := UsageReport{Completed: WholeUnits(100), Failed: WholeUnits(10), ZeroResult: WholeUnits(20)}
	consumed, _, _ := SettleReported(WholeUnits(100), report, SettlementPolicy{})
	if consumed != WholeUnits(90) {
		test.Fatalf("default policy charges zero-result units, got %.3f", consumed.Float64())
	}
	consumed, _, _ = SettleReported(WholeUnits(100), report, SettlementPolicy{RefundZeroResult: true})
	if consumed != WholeUnits(70) {
		test.Fatalf("refund policy must subtract zero-result units, got %.3f", consumed.Float64())
	}
}

func TestSettleRecoveredUsesGroundTruth(test *testing.T) {
	test.Parallel()
	consumed, refunded := SettleRecovered(WholeUnits(100), WholeUnits(37))
	if consumed != WholeUnits(37) || refunded != WholeUnits(63) {
		test.Fatalf("expected 37/63, got %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
	consumed, refunded = SettleRecovered(WholeUnits(100), WholeUnits(150))
	if consumed != WholeUnits(100) || refunded != 0 {
		test.Fatalf("recovered count above reserved must clamp, got %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
}

func TestSettleArithmeticSupportsHalfUnits(test *testing.T) {
	test.Parallel()
	reserved := UnitsFromFloat(10)
	consumed, refunded, _ := SettleReported(reserved, UsageReport{Completed: UnitsFromFloat(2.5)}, SettlementPolicy{})
	if consumed != UnitsFromFloat(2.5) || refunded != UnitsFromFloat(7.5) {
		test.Fatalf("fractional settlement broken: %.3f/%.3f", consumed.Float64(), refunded.Float64())
	}
}

package oracle

import (
	"testing"
)

func confirmPush(o *Oracle, jobID, teamID string, priority int) {
	o.RecordPush(jobID, teamID, priority, "")
	o.ConfirmPush(jobID)
}

func TestHappyPathNoViolations(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 10)
	o.RecordClaim("j1", "team-a", 10, "")
	o.RecordComplete("j1")

	if n := o.FatalViolations(); n != 0 {
		t.Fatalf("expected no violations, got %d: %v", n, o.Violations())
	}

	rep := o.RunEndOfTestVerification()
	if rep.PushesConfirmed != 1 || rep.ClaimsSeen != 1 || rep.CompletionsSeen != 1 {
		t.Errorf("unexpected counts: %+v", rep)
	}
	if len(rep.NeverClaimed) != 0 || len(rep.NeverCompleted) != 0 {
		t.Errorf("nothing should be outstanding: %+v", rep)
	}
}

func TestDoubleClaim(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 10)
	o.RecordClaim("j1", "team-a", 10, "")
	o.RecordClaim("j1", "team-a", 10, "")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationDoubleClaim] != 1 {
		t.Errorf("expected one double-claim violation, got %+v", rep.ViolationCounts)
	}
}

func TestUnknownClaim(t *testing.T) {
	o := New()

	o.RecordClaim("ghost", "team-a", 5, "")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationUnknownClaim] != 1 {
		t.Errorf("expected one unknown-claim violation, got %+v", rep.ViolationCounts)
	}
}

func TestUnknownClaimAllowedForPreexistingJobs(t *testing.T) {
	o := New()
	o.AllowPreexisting = true

	o.RecordClaim("preexisting", "team-a", 5, "")

	if n := o.FatalViolations(); n != 0 {
		t.Errorf("expected no violations with AllowPreexisting, got %d", n)
	}
}

func TestRecordedButUnconfirmedPushIsUnknownClaim(t *testing.T) {
	o := New()

	// Push attempted but the service never acknowledged it.
	o.RecordPush("j1", "team-a", 10, "")
	o.RecordClaim("j1", "team-a", 10, "")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationUnknownClaim] != 1 {
		t.Errorf("claim of an unconfirmed push must be a violation, got %+v", rep.ViolationCounts)
	}
}

func TestCrossTenantClaim(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 10)
	o.RecordClaim("j1", "team-b", 10, "")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationCrossTenantClaim] != 1 {
		t.Errorf("expected one cross-tenant violation, got %+v", rep.ViolationCounts)
	}
}

func TestCompleteBeforeClaim(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 10)
	o.RecordComplete("j1")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationCompleteUnclaimed] != 1 {
		t.Errorf("expected one complete-before-claim violation, got %+v", rep.ViolationCounts)
	}
}

func TestPriorityInversionIsWarningOnly(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 50)
	confirmPush(o, "j2", "team-a", 10)
	o.RecordClaim("j1", "team-a", 50, "")
	o.RecordClaim("j2", "team-a", 10, "") // more urgent claimed later

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[WarningPriorityInversion] != 1 {
		t.Errorf("expected one inversion warning, got %+v", rep.ViolationCounts)
	}
	if rep.FatalCount != 0 {
		t.Errorf("inversion must not be fatal, got %d fatal", rep.FatalCount)
	}
	if rep.WarningCount != 1 {
		t.Errorf("expected 1 warning, got %d", rep.WarningCount)
	}
}

func TestInversionTrackedPerTenant(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 50)
	confirmPush(o, "j2", "team-b", 10)
	o.RecordClaim("j1", "team-a", 50, "")
	o.RecordClaim("j2", "team-b", 10, "")

	if len(o.Violations()) != 0 {
		t.Errorf("claims on different tenants must not interact: %v", o.Violations())
	}
}

func TestRoundTripPriority(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 77)
	o.RecordClaim("j1", "team-a", 77, "team-a-crawl-0")

	p, ok := o.ClaimedPriority("j1")
	if !ok {
		t.Fatal("expected claim to be recorded")
	}
	if p != 77 {
		t.Errorf("expected priority 77 back, got %d", p)
	}
}

func TestClaimedPriorityReflectsServiceResponse(t *testing.T) {
	o := New()

	// A service that corrupts priority in flight must be visible: the claim
	// reports 63 where 40 was pushed, and the record keeps the claimed value.
	confirmPush(o, "j1", "team-a", 40)
	o.RecordClaim("j1", "team-a", 63, "team-a-crawl-0")

	p, ok := o.ClaimedPriority("j1")
	if !ok {
		t.Fatal("expected claim to be recorded")
	}
	if p != 63 {
		t.Errorf("expected the claimed priority 63, got %d", p)
	}
}

func TestCrossTenantClaimOnUnconfirmedPush(t *testing.T) {
	o := New()

	// Push attempted for team-a, never acknowledged, then claimed by team-b:
	// both the unconfirmed claim and the tenant mismatch must be recorded.
	o.RecordPush("j1", "team-a", 10, "")
	o.RecordClaim("j1", "team-b", 10, "")

	rep := o.RunEndOfTestVerification()
	if rep.ViolationCounts[ViolationUnknownClaim] != 1 {
		t.Errorf("expected one unknown-claim violation, got %+v", rep.ViolationCounts)
	}
	if rep.ViolationCounts[ViolationCrossTenantClaim] != 1 {
		t.Errorf("expected one cross-tenant violation, got %+v", rep.ViolationCounts)
	}
}

func TestVerificationReportOutstanding(t *testing.T) {
	o := New()

	confirmPush(o, "j1", "team-a", 10) // never claimed
	confirmPush(o, "j2", "team-a", 20)
	o.RecordClaim("j2", "team-a", 20, "") // never completed

	rep := o.RunEndOfTestVerification()
	if len(rep.NeverClaimed) != 1 || rep.NeverClaimed[0] != "j1" {
		t.Errorf("expected j1 never claimed, got %v", rep.NeverClaimed)
	}
	if len(rep.NeverCompleted) != 1 || rep.NeverCompleted[0] != "j2" {
		t.Errorf("expected j2 never completed, got %v", rep.NeverCompleted)
	}

	// The report must not mutate state: a second run matches the first.
	rep2 := o.RunEndOfTestVerification()
	if rep2.PushesConfirmed != rep.PushesConfirmed || len(rep2.NeverClaimed) != len(rep.NeverClaimed) {
		t.Error("verification must be side-effect free")
	}
}

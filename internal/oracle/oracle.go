// Package oracle implements the passive correctness observer for the load
// harness. It receives callbacks for pushes, claims, and completions, checks
// exactly-once and ordering rules at record time, and produces an end-of-test
// verification report. Violations are recorded, never raised: a broken rule
// must not alter the behaviour under test.
package oracle

import (
	"fmt"
	"sync"
	"time"
)

// ViolationKind categorizes a recorded rule break.
type ViolationKind string

const (
	ViolationDoubleClaim       ViolationKind = "double_claim"
	ViolationUnknownClaim      ViolationKind = "unknown_claim"
	ViolationCrossTenantClaim  ViolationKind = "cross_tenant_claim"
	ViolationCompleteUnclaimed ViolationKind = "complete_before_claim"
	WarningPriorityInversion   ViolationKind = "priority_inversion"
)

// Violation is one recorded rule break.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	JobID   string        `json:"job_id"`
	TeamID  string        `json:"team_id,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
	Warning bool          `json:"warning"`
}

// jobRecord tracks everything observed about one job id.
type jobRecord struct {
	teamID        string
	priority      int
	crawlID       string
	pushRecorded  bool
	pushConfirmed bool
	claimSeen     bool
	completeSeen  bool
}

// Report is the end-of-test verification summary. It is a snapshot; producing
// it does not mutate oracle state.
type Report struct {
	PushesRecorded  int                   `json:"pushes_recorded"`
	PushesConfirmed int                   `json:"pushes_confirmed"`
	ClaimsSeen      int                   `json:"claims_seen"`
	CompletionsSeen int                   `json:"completions_seen"`
	NeverClaimed    []string              `json:"never_claimed,omitempty"`
	NeverCompleted  []string              `json:"never_completed,omitempty"`
	Violations      []Violation           `json:"violations,omitempty"`
	ViolationCounts map[ViolationKind]int `json:"violation_counts,omitempty"`
	WarningCount    int                   `json:"warning_count"`
	FatalCount      int                   `json:"fatal_count"`
}

// Oracle observes the job lifecycle. Safe for concurrent use; callbacks arrive
// from both the scheduler loop and client I/O goroutines.
type Oracle struct {
	mu sync.Mutex

	jobs       map[string]*jobRecord
	violations []Violation

	// lastClaimedPriority tracks the most recent claim priority per team for
	// inversion warnings.
	lastClaimedPriority map[string]int

	// AllowPreexisting admits claims for jobs the oracle never saw pushed,
	// e.g. when a test starts against a non-empty remote queue.
	AllowPreexisting bool
}

// New creates an empty oracle.
func New() *Oracle {
	return &Oracle{
		jobs:                make(map[string]*jobRecord),
		lastClaimedPriority: make(map[string]int),
	}
}

// RecordPush notes an attempted push before the request is issued.
func (o *Oracle) RecordPush(jobID, teamID string, priority int, crawlID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.jobs[jobID]
	if !ok {
		rec = &jobRecord{}
		o.jobs[jobID] = rec
	}
	rec.teamID = teamID
	rec.priority = priority
	rec.crawlID = crawlID
	rec.pushRecorded = true
}

// ConfirmPush marks a push as acknowledged by the remote service.
func (o *Oracle) ConfirmPush(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rec, ok := o.jobs[jobID]; ok {
		rec.pushConfirmed = true
	}
}

// RecordClaim notes a successful pop. priority and crawlID are as reported by
// the remote service, letting the oracle verify the round trip.
func (o *Oracle) RecordClaim(jobID, teamID string, priority int, crawlID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.jobs[jobID]
	switch {
	case !ok || !rec.pushConfirmed:
		if !o.AllowPreexisting {
			o.addViolation(Violation{
				Kind:   ViolationUnknownClaim,
				JobID:  jobID,
				TeamID: teamID,
				Detail: "claim for a job that was never push-confirmed",
			})
		}
		if !ok {
			rec = &jobRecord{teamID: teamID}
			o.jobs[jobID] = rec
		} else if rec.teamID != teamID {
			o.addViolation(Violation{
				Kind:   ViolationCrossTenantClaim,
				JobID:  jobID,
				TeamID: teamID,
				Detail: fmt.Sprintf("pushed for %s, claimed by %s", rec.teamID, teamID),
			})
		}
	case rec.claimSeen:
		o.addViolation(Violation{
			Kind:   ViolationDoubleClaim,
			JobID:  jobID,
			TeamID: teamID,
			Detail: "second claim observed for the same job",
		})
		return
	case rec.teamID != teamID:
		o.addViolation(Violation{
			Kind:   ViolationCrossTenantClaim,
			JobID:  jobID,
			TeamID: teamID,
			Detail: fmt.Sprintf("pushed for %s, claimed by %s", rec.teamID, teamID),
		})
	}

	rec.claimSeen = true
	// The claimed values supersede the pushed ones: ClaimedPriority reports
	// what the service actually handed out, not what was sent.
	rec.priority = priority
	rec.crawlID = crawlID

	// Priority monotonicity within a tenant: a later claim with a strictly
	// higher urgency (lower number) than an earlier one means the remote
	// queue handed jobs out of order. Non-fatal.
	if last, seen := o.lastClaimedPriority[teamID]; seen && priority < last {
		o.addViolation(Violation{
			Kind:    WarningPriorityInversion,
			JobID:   jobID,
			TeamID:  teamID,
			Detail:  fmt.Sprintf("claimed priority %d after %d", priority, last),
			Warning: true,
		})
	}
	o.lastClaimedPriority[teamID] = priority
}

// RecordComplete notes completion of a promoted job.
func (o *Oracle) RecordComplete(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.jobs[jobID]
	if !ok || !rec.claimSeen {
		o.addViolation(Violation{
			Kind:   ViolationCompleteUnclaimed,
			JobID:  jobID,
			Detail: "completion observed before any claim",
		})
		if !ok {
			rec = &jobRecord{}
			o.jobs[jobID] = rec
		}
	}
	rec.completeSeen = true
}

// ClaimedPriority returns the priority observed for a claimed job and whether
// the job was claimed at all. Used by round-trip tests.
func (o *Oracle) ClaimedPriority(jobID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[jobID]
	if !ok || !rec.claimSeen {
		return 0, false
	}
	return rec.priority, true
}

// Violations returns a copy of all recorded violations, warnings included.
func (o *Oracle) Violations() []Violation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Violation, len(o.violations))
	copy(out, o.violations)
	return out
}

// FatalViolations returns the count of non-warning violations.
func (o *Oracle) FatalViolations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.violations {
		if !v.Warning {
			n++
		}
	}
	return n
}

// RunEndOfTestVerification builds the final report without mutating state.
func (o *Oracle) RunEndOfTestVerification() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	rep := Report{ViolationCounts: make(map[ViolationKind]int)}
	for jobID, rec := range o.jobs {
		if rec.pushRecorded {
			rep.PushesRecorded++
		}
		if rec.pushConfirmed {
			rep.PushesConfirmed++
			if !rec.claimSeen {
				rep.NeverClaimed = append(rep.NeverClaimed, jobID)
			}
		}
		if rec.claimSeen {
			rep.ClaimsSeen++
			if !rec.completeSeen {
				rep.NeverCompleted = append(rep.NeverCompleted, jobID)
			}
		}
		if rec.completeSeen {
			rep.CompletionsSeen++
		}
	}
	rep.Violations = make([]Violation, len(o.violations))
	copy(rep.Violations, o.violations)
	for _, v := range o.violations {
		rep.ViolationCounts[v.Kind]++
		if v.Warning {
			rep.WarningCount++
		} else {
			rep.FatalCount++
		}
	}
	return rep
}

func (o *Oracle) addViolation(v Violation) {
	v.At = time.Now()
	o.violations = append(o.violations, v)
}

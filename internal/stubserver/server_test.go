package stubserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	} else {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var fields map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &fields)
	}
	return rec, fields
}

func pushJob(t *testing.T, srv *Server, teamID, jobID string, priority int, crawlID string) {
	t.Helper()
	rec, _ := doJSON(t, srv, http.MethodPost, "/queue/push", map[string]any{
		"teamId":  teamID,
		"job":     map[string]any{"id": jobID, "priority": priority, "data": map[string]string{}},
		"crawlId": crawlID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push %s: status %d body %s", jobID, rec.Code, rec.Body.String())
	}
}

type popBody struct {
	Job *struct {
		ID       string `json:"id"`
		Priority int    `json:"priority"`
		CrawlID  string `json:"crawl_id"`
	} `json:"job"`
	QueueKey string `json:"queueKey"`
}

func pop(t *testing.T, srv *Server, teamID string, blocked []string) *popBody {
	t.Helper()
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{"workerId": "w", "blockedCrawlIds": blocked})
	req := httptest.NewRequest(http.MethodPost, "/queue/pop/"+teamID, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("pop: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() == "null\n" {
		return nil
	}
	var out popBody
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("pop body: %v", err)
	}
	return &out
}

func TestPushValidation(t *testing.T) {
	srv := New()
	rec, _ := doJSON(t, srv, http.MethodPost, "/queue/push", map[string]any{"teamId": "", "job": map[string]any{"id": ""}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ids must be rejected, got %d", rec.Code)
	}
}

func TestPopLowestPriorityFirst(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "mid", 50, "")
	pushJob(t, srv, "team-a", "low", 10, "")
	pushJob(t, srv, "team-a", "high", 90, "")

	for _, want := range []string{"low", "mid", "high"} {
		got := pop(t, srv, "team-a", nil)
		if got == nil || got.Job == nil || got.Job.ID != want {
			t.Fatalf("expected %s, got %+v", want, got)
		}
		if got.QueueKey == "" {
			t.Fatal("claims need a queue key")
		}
	}
	if pop(t, srv, "team-a", nil) != nil {
		t.Error("drained queue must answer null")
	}
}

func TestPopTieBreakIsFIFO(t *testing.T) {
	srv := New()
	for i := 0; i < 3; i++ {
		pushJob(t, srv, "team-a", fmt.Sprintf("j%d", i), 5, "")
	}
	for i := 0; i < 3; i++ {
		got := pop(t, srv, "team-a", nil)
		if got.Job.ID != fmt.Sprintf("j%d", i) {
			t.Fatalf("equal priorities must pop in push order, got %s at %d", got.Job.ID, i)
		}
	}
}

func TestPopSkipsBlockedCrawls(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "blocked", 1, "crawl-x")
	pushJob(t, srv, "team-a", "ok", 50, "crawl-y")

	got := pop(t, srv, "team-a", []string{"crawl-x"})
	if got == nil || got.Job.ID != "ok" {
		t.Fatalf("blocked crawl must be skipped, got %+v", got)
	}
	// The blocked job stays queued for an unblocked worker.
	if srv.QueueLen("team-a") != 1 {
		t.Errorf("blocked job must remain queued, len %d", srv.QueueLen("team-a"))
	}
}

func TestTeamsAreIsolated(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "a1", 1, "")
	if got := pop(t, srv, "team-b", nil); got != nil {
		t.Fatalf("team-b must not see team-a jobs: %+v", got)
	}
	if srv.QueueLen("team-a") != 1 {
		t.Error("team-a queue must be untouched")
	}
}

func TestCompleteConsumesClaim(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "j1", 1, "")
	claim := pop(t, srv, "team-a", nil)
	if srv.OutstandingClaims() != 1 {
		t.Fatalf("expected 1 outstanding claim, got %d", srv.OutstandingClaims())
	}

	rec, fields := doJSON(t, srv, http.MethodPost, "/queue/complete", map[string]string{"queueKey": claim.QueueKey})
	if rec.Code != http.StatusOK || string(fields["success"]) != "true" {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	if srv.OutstandingClaims() != 0 {
		t.Error("claim must be consumed")
	}

	// Completing again reports success=false but stays 200.
	rec, fields = doJSON(t, srv, http.MethodPost, "/queue/complete", map[string]string{"queueKey": claim.QueueKey})
	if rec.Code != http.StatusOK || string(fields["success"]) != "false" {
		t.Errorf("double complete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReleaseRequeuesClaimedJob(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "j1", 7, "")
	claim := pop(t, srv, "team-a", nil)
	if claim == nil {
		t.Fatal("expected a claim")
	}

	rec, _ := doJSON(t, srv, http.MethodPost, "/queue/release", map[string]string{"jobId": "j1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d", rec.Code)
	}
	if srv.OutstandingClaims() != 0 {
		t.Error("release must drop the claim")
	}

	again := pop(t, srv, "team-a", nil)
	if again == nil || again.Job.ID != "j1" || again.Job.Priority != 7 {
		t.Fatalf("released job must be poppable again, got %+v", again)
	}
	if again.QueueKey == claim.QueueKey {
		t.Error("a re-claim gets a fresh queue key")
	}
}

func TestActiveTrackingEndpoints(t *testing.T) {
	srv := New()
	for _, id := range []string{"a1", "a2"} {
		rec, _ := doJSON(t, srv, http.MethodPost, "/active/push", map[string]string{"teamId": "team-a", "jobId": id})
		if rec.Code != http.StatusOK {
			t.Fatalf("active push: %d", rec.Code)
		}
	}
	// Duplicate pushes are idempotent.
	doJSON(t, srv, http.MethodPost, "/active/push", map[string]string{"teamId": "team-a", "jobId": "a1"})
	if srv.ActiveLen("team-a") != 2 {
		t.Fatalf("expected 2 active, got %d", srv.ActiveLen("team-a"))
	}

	rec, fields := doJSON(t, srv, http.MethodGet, "/active/count/team-a", nil)
	if rec.Code != http.StatusOK || string(fields["count"]) != "2" {
		t.Errorf("active count: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/active/jobs/team-a", nil)
	jrec := httptest.NewRecorder()
	srv.ServeHTTP(jrec, req)
	var ids []string
	if err := json.Unmarshal(jrec.Body.Bytes(), &ids); err != nil || len(ids) != 2 {
		t.Errorf("active jobs: %v %s", err, jrec.Body.String())
	}

	doJSON(t, srv, http.MethodDelete, "/active/remove", map[string]string{"teamId": "team-a", "jobId": "a1"})
	if srv.ActiveLen("team-a") != 1 {
		t.Errorf("expected 1 active after remove, got %d", srv.ActiveLen("team-a"))
	}
}

func TestQueueCountAndHealth(t *testing.T) {
	srv := New()
	pushJob(t, srv, "team-a", "j1", 1, "")
	pushJob(t, srv, "team-a", "j2", 2, "")

	rec, fields := doJSON(t, srv, http.MethodGet, "/queue/count/team/team-a", nil)
	if rec.Code != http.StatusOK || string(fields["count"]) != "2" {
		t.Errorf("queue count: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health: %d", rec.Code)
	}
}

func TestFaultInjectionScopedToOps(t *testing.T) {
	srv := New()
	srv.SetFaults(FaultConfig{ErrorRate: 1.0, Ops: []string{"push"}})

	rec, _ := doJSON(t, srv, http.MethodPost, "/queue/push", map[string]any{
		"teamId": "team-a",
		"job":    map[string]any{"id": "j1", "priority": 1},
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("push should always fail at rate 1.0, got %d", rec.Code)
	}

	// Ops outside the scope are untouched.
	if got := pop(t, srv, "team-a", nil); got != nil {
		t.Fatalf("unexpected claim: %+v", got)
	}

	srv.SetFaults(FaultConfig{})
	pushJob(t, srv, "team-a", "j1", 1, "")
}

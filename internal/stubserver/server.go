// Package stubserver is an in-memory implementation of the concurrency-queue
// REST contract. It backs the harness's --local mode and the test suite: the
// real service keeps its queues in a distributed KV store, but nothing in the
// contract requires that, so a per-team sorted slice behind a mutex is enough
// to exercise every client and scheduler path, including injected faults.
package stubserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	mrand "math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// FaultConfig injects failures for fault-tolerance tests.
type FaultConfig struct {
	// ErrorRate is the probability in [0,1] that an affected operation
	// answers 500.
	ErrorRate float64

	// Ops restricts injection to the named operations ("push", "pop",
	// "complete", ...). Empty means all.
	Ops []string

	// Latency is added to every affected operation.
	Latency time.Duration
}

type queuedJob struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Priority  int             `json:"priority"`
	CreatedAt int64           `json:"created_at"`
	CrawlID   string          `json:"crawl_id,omitempty"`
	seq       int64
}

type claim struct {
	teamID string
	job    queuedJob
}

type team struct {
	queue  []queuedJob
	active map[string]bool
}

// Server holds the in-memory queue state and implements http.Handler.
type Server struct {
	mu     sync.Mutex
	teams  map[string]*team
	claims map[string]claim // queueKey -> claim
	seq    int64
	faults FaultConfig

	router chi.Router
}

// New creates an empty stub service.
func New() *Server {
	s := &Server{
		teams:  make(map[string]*team),
		claims: make(map[string]claim),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/queue/push", s.handlePush)
	r.Post("/queue/pop/{teamID}", s.handlePop)
	r.Post("/queue/complete", s.handleComplete)
	r.Post("/queue/release", s.handleRelease)
	r.Post("/active/push", s.handleActivePush)
	r.Delete("/active/remove", s.handleActiveRemove)
	r.Get("/active/count/{teamID}", s.handleActiveCount)
	r.Get("/active/jobs/{teamID}", s.handleActiveJobs)
	r.Get("/queue/count/team/{teamID}", s.handleQueueCount)
	r.Get("/health", s.handleHealth)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetFaults replaces the fault-injection config.
func (s *Server) SetFaults(f FaultConfig) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// injectFault returns true when the request was answered with an injected
// error. It also applies configured latency.
func (s *Server) injectFault(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	f := s.faults
	s.mu.Unlock()

	if f.Latency > 0 {
		time.Sleep(f.Latency)
	}
	if f.ErrorRate <= 0 {
		return false
	}
	if len(f.Ops) > 0 && !slices.Contains(f.Ops, op) {
		return false
	}
	if mrand.Float64() < f.ErrorRate {
		http.Error(w, `{"error":"injected failure"}`, http.StatusInternalServerError)
		return true
	}
	return false
}

func (s *Server) team(id string) *team {
	t, ok := s.teams[id]
	if !ok {
		t = &team{active: make(map[string]bool)}
		s.teams[id] = t
	}
	return t
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "push") {
		return
	}
	var req struct {
		TeamID string `json:"teamId"`
		Job    struct {
			ID       string          `json:"id"`
			Data     json.RawMessage `json:"data"`
			Priority int             `json:"priority"`
		} `json:"job"`
		CrawlID string `json:"crawlId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TeamID == "" || req.Job.ID == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := s.team(req.TeamID)
	t.queue = append(t.queue, queuedJob{
		ID:        req.Job.ID,
		Data:      req.Job.Data,
		Priority:  req.Job.Priority,
		CreatedAt: time.Now().UnixMilli(),
		CrawlID:   req.CrawlID,
		seq:       s.seq,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "pop") {
		return
	}
	teamID := chi.URLParam(r, "teamID")
	var req struct {
		WorkerID        string   `json:"workerId"`
		BlockedCrawlIDs []string `json:"blockedCrawlIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.team(teamID)

	best := -1
	for i, job := range t.queue {
		if len(req.BlockedCrawlIDs) > 0 && job.CrawlID != "" && slices.Contains(req.BlockedCrawlIDs, job.CrawlID) {
			continue
		}
		if best < 0 || job.Priority < t.queue[best].Priority ||
			(job.Priority == t.queue[best].Priority && job.seq < t.queue[best].seq) {
			best = i
		}
	}
	if best < 0 {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	job := t.queue[best]
	t.queue = append(t.queue[:best], t.queue[best+1:]...)
	key := newQueueKey()
	s.claims[key] = claim{teamID: teamID, job: job}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"queueKey": key,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "complete") {
		return
	}
	var req struct {
		QueueKey string `json:"queueKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, ok := s.claims[req.QueueKey]
	delete(s.claims, req.QueueKey)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "release") {
		return
	}
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.claims {
		if c.job.ID == req.JobID {
			delete(s.claims, key)
			t := s.team(c.teamID)
			s.seq++
			c.job.seq = s.seq
			t.queue = append(t.queue, c.job)
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActivePush(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "activePush") {
		return
	}
	var req struct {
		TeamID string `json:"teamId"`
		JobID  string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TeamID == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.team(req.TeamID).active[req.JobID] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActiveRemove(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "activeRemove") {
		return
	}
	var req struct {
		TeamID string `json:"teamId"`
		JobID  string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TeamID == "" {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	delete(s.team(req.TeamID).active, req.JobID)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "activeCount") {
		return
	}
	s.mu.Lock()
	n := len(s.team(chi.URLParam(r, "teamID")).active)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t := s.team(chi.URLParam(r, "teamID"))
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleQueueCount(w http.ResponseWriter, r *http.Request) {
	if s.injectFault(w, "teamQueueCount") {
		return
	}
	s.mu.Lock()
	n := len(s.team(chi.URLParam(r, "teamID")).queue)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueueLen reports a team's queued-job count, for tests.
func (s *Server) QueueLen(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.team(teamID).queue)
}

// ActiveLen reports a team's tracked active count, for tests.
func (s *Server) ActiveLen(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.team(teamID).active)
}

// OutstandingClaims reports claims that were popped but neither completed nor
// released.
func (s *Server) OutstandingClaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

func newQueueKey() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

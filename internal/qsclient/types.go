package qsclient

// Result is the outcome of one remote call. Expected failures (transport
// errors, non-2xx statuses, parse errors) come back as Success=false rather
// than as Go errors: the scheduler retries by leaving its source state
// untouched, so no control flow ever depends on a raised error.
type Result[T any] struct {
	Success bool
	Data    T
	Status  int
	Err     string
}

// PushJob is the job payload accepted by the queue service.
type PushJob struct {
	ID         string `json:"id"`
	Data       any    `json:"data"`
	Priority   int    `json:"priority"`
	Listenable bool   `json:"listenable"`
}

type pushRequest struct {
	TeamID  string  `json:"teamId"`
	Job     PushJob `json:"job"`
	Timeout int64   `json:"timeout"`
	CrawlID string  `json:"crawlId,omitempty"`
}

type popRequest struct {
	WorkerID        string   `json:"workerId"`
	BlockedCrawlIDs []string `json:"blockedCrawlIds"`
}

// ClaimedJob is the non-null result of a pop: the job plus the opaque queue
// key required to complete it.
type ClaimedJob struct {
	Job      ClaimedJobBody `json:"job"`
	QueueKey string         `json:"queueKey"`
}

// ClaimedJobBody is the job portion of a claim as reported by the service.
type ClaimedJobBody struct {
	ID        string `json:"id"`
	Priority  int    `json:"priority"`
	CreatedAt int64  `json:"created_at"`
	CrawlID   string `json:"crawl_id,omitempty"`
}

type completeRequest struct {
	QueueKey string `json:"queueKey"`
}

type completeResponse struct {
	Success bool `json:"success"`
}

type releaseRequest struct {
	JobID string `json:"jobId"`
}

type activePushRequest struct {
	TeamID  string `json:"teamId"`
	JobID   string `json:"jobId"`
	Timeout int64  `json:"timeout"`
}

type activeRemoveRequest struct {
	TeamID string `json:"teamId"`
	JobID  string `json:"jobId"`
}

type countResponse struct {
	Count int `json:"count"`
}

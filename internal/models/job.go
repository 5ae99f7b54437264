package models

import (
	"time"
)

// JobStatus enumerates the lifecycle states of a tracked job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Active reports whether the status still blocks a new job for the same subject.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether no transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobKind names what a job produces. The kind decides which JobResult field is set.
type JobKind string

const (
	KindContractDocument JobKind = "contract_document"
)

// DocumentArtifact is the result of a contract_document job.
type DocumentArtifact struct {
	Key          string `json:"key"`
	Location     string `json:"location"`
	URL          string `json:"url,omitempty"`
	ContentType  string `json:"contentType"`
	SizeBytes    int64  `json:"sizeBytes"`
	TemplateName string `json:"templateName,omitempty"`
}

// JobResult holds the output of a completed job. Exactly one field is set,
// matching the job's kind.
type JobResult struct {
	Document *DocumentArtifact `json:"document,omitempty"`
}

// MatchesKind reports whether the populated field agrees with kind.
func (r JobResult) MatchesKind(kind JobKind) bool {
	switch kind {
	case KindContractDocument, "":
		return r.Document != nil
	default:
		return false
	}
}

// Job is the tracked record stored under job:<id>.
type Job struct {
	ID           string     `json:"jobId"`
	SubjectID    string     `json:"subjectId"`
	Kind         JobKind    `json:"kind,omitempty"`
	TemplateName string     `json:"templateName,omitempty"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Result       *JobResult `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// Hung reports whether a processing job has been running longer than timeout at now.
func (j Job) Hung(now time.Time, timeout time.Duration) bool {
	if j.Status != StatusProcessing || j.StartedAt == nil || timeout <= 0 {
		return false
	}
	return now.Sub(*j.StartedAt) > timeout
}

// RemainingTTL is the lifetime left before the record ages out.
func (j Job) RemainingTTL(now time.Time) time.Duration {
	return j.ExpiresAt.Sub(now)
}

// RenderRequest is the queue message a worker leases. It carries only the job id;
// everything else is read back from the tracker.
type RenderRequest struct {
	JobID     string    `json:"jobId"`
	SubjectID string    `json:"subjectId"`
	Enqueued  time.Time `json:"enqueuedAt"`
}

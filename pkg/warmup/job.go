package warmup

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/upstream"
)

// Status of a warmup job.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorCategory groups failed identifiers for the status summary.
type ErrorCategory string

const (
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryRateLimited ErrorCategory = "rateLimited"
	CategoryNotFound    ErrorCategory = "notFound"
	CategoryOther       ErrorCategory = "other"
)

// ReasonNoIdentifiers is the failure reason of a job started over an empty set.
const ReasonNoIdentifiers = "no identifiers"

// maxErrorMessage truncates recorded error messages.
const maxErrorMessage = 200

// ErrorRecord is one failed identifier.
type ErrorRecord struct {
	ID       string        `json:"pageId"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"error"`
	At       time.Time     `json:"at"`
}

// Categorize maps a fetch error to its category.
func Categorize(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	switch upstream.ClassOf(err) {
	case upstream.ErrorClassTimeout:
		return CategoryTimeout
	case upstream.ErrorClassRateLimit:
		return CategoryRateLimited
	case upstream.ErrorClassNotFound:
		return CategoryNotFound
	default:
		return CategoryOther
	}
}

// Snapshot is the polled view of the current job.
type Snapshot struct {
	JobID          string                `json:"jobId,omitempty"`
	Status         Status                `json:"status"`
	Reason         string                `json:"reason,omitempty"`
	StartedAt      *time.Time            `json:"startedAt,omitempty"`
	FinishedAt     *time.Time            `json:"finishedAt,omitempty"`
	ElapsedSeconds float64               `json:"elapsedSeconds"`
	Total          int                   `json:"total"`
	Processed      int                   `json:"processed"`
	Succeeded      int                   `json:"succeeded"`
	Failed         int                   `json:"failed"`
	Skipped        int                   `json:"skipped"`
	Percentage     int                   `json:"percentage"`
	CurrentBatch   int                   `json:"currentBatch"`
	TotalBatches   int                   `json:"totalBatches"`
	RecentErrors   []ErrorRecord         `json:"recentErrors"`
	ErrorSummary   map[ErrorCategory]int `json:"errorSummary"`
}

// IsRunning reports whether the snapshot is of a running job.
func (s *Snapshot) IsRunning() bool {
	return s.Status == StatusRunning
}

func idleSnapshot() *Snapshot {
	return &Snapshot{
		Status:       StatusIdle,
		RecentErrors: []ErrorRecord{},
		ErrorSummary: emptySummary(),
	}
}

func emptySummary() map[ErrorCategory]int {
	return map[ErrorCategory]int{
		CategoryTimeout:     0,
		CategoryRateLimited: 0,
		CategoryNotFound:    0,
		CategoryOther:       0,
	}
}

// job is mutated only under Orchestrator.mu.
type job struct {
	id         string
	status     Status
	reason     string
	startedAt  time.Time
	finishedAt time.Time

	total        int
	processed    int
	succeeded    int
	failed       int
	skipped      int
	currentBatch int
	totalBatches int

	errors    *errorRing
	failedIDs []string

	cancel     context.CancelFunc
	leaseToken string
}

func (j *job) snapshot(now time.Time) *Snapshot {
	s := &Snapshot{
		JobID:        j.id,
		Status:       j.status,
		Reason:       j.reason,
		Total:        j.total,
		Processed:    j.processed,
		Succeeded:    j.succeeded,
		Failed:       j.failed,
		Skipped:      j.skipped,
		CurrentBatch: j.currentBatch,
		TotalBatches: j.totalBatches,
		RecentErrors: j.errors.list(),
		ErrorSummary: emptySummary(),
	}

	started := j.startedAt
	s.StartedAt = &started
	end := now
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		s.FinishedAt = &finished
		end = finished
	}
	s.ElapsedSeconds = math.Round(end.Sub(j.startedAt).Seconds()*10) / 10

	if j.total > 0 {
		s.Percentage = j.processed * 100 / j.total
	}
	for _, rec := range s.RecentErrors {
		s.ErrorSummary[rec.Category]++
	}
	return s
}

func batchCount(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

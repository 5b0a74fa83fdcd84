// Package commands implements the command manager: a priority dispatch
// queue and persistent state store for commands sent to devices, with
// retry, cancellation, and cleanup of completed commands.
package commands

import (
	"time"

	"github.com/google/uuid"
)

// Priority ranks commands for dispatch ordering (Critical > High >
// Normal > Low), FIFO within a priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Status is a command's position in its lifecycle. Only Failed and
// Timeout are retryable, and only while Attempts < MaxAttempts.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusSending    Status = "sending"
	StatusWaitingAck Status = "waiting_ack"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// SourceKind discriminates what originated a command.
type SourceKind string

const (
	SourceUser     SourceKind = "user"
	SourceSystem   SourceKind = "system"
	SourceRule     SourceKind = "rule"
	SourceWorkflow SourceKind = "workflow"
	SourceAgent    SourceKind = "agent"
)

// Source identifies who or what issued a command. Exactly the field(s)
// matching Kind are meaningful.
type Source struct {
	Kind        SourceKind
	Who         string // SourceUser
	Reason      string // SourceSystem
	RuleID      string // SourceRule
	ExecutionID string // SourceWorkflow
	SessionID   string // SourceAgent
}

// Result is the outcome an adapter reported for a dispatched command.
type Result struct {
	Success bool
	Message string
}

// Request is a single command in flight, from submission through a
// terminal status.
type Request struct {
	ID          string
	DeviceID    string
	CommandName string
	Parameters  map[string]any
	Priority    Priority
	Source      Source
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
	Attempts    int
	MaxAttempts int
	TimeoutSecs int64
	Result      *Result
}

const defaultMaxAttempts = 3
const defaultTimeoutSecs = 30

// NewRequest builds a Pending request with default priority/timeout/
// retry settings.
func NewRequest(deviceID, commandName string, params map[string]any, source Source) *Request {
	return &Request{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		CommandName: commandName,
		Parameters:  params,
		Priority:    PriorityNormal,
		Source:      source,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		MaxAttempts: defaultMaxAttempts,
		TimeoutSecs: defaultTimeoutSecs,
	}
}

// WithPriority sets the dispatch priority and returns the request for
// chaining.
func (r *Request) WithPriority(p Priority) *Request {
	r.Priority = p
	return r
}

// WithTimeout overrides the default per-attempt timeout.
func (r *Request) WithTimeout(secs int64) *Request {
	r.TimeoutSecs = secs
	return r
}

// WithMaxAttempts overrides the default retry ceiling.
func (r *Request) WithMaxAttempts(n int) *Request {
	r.MaxAttempts = n
	return r
}

// Deadline is the absolute time past which a non-terminal request is
// considered timed out.
func (r *Request) Deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TimeoutSecs) * time.Second)
}

// Retryable reports whether r is eligible for another dispatch attempt.
func (r *Request) Retryable() bool {
	if r.Status != StatusFailed && r.Status != StatusTimeout {
		return false
	}
	return r.Attempts < r.MaxAttempts
}

// Cancellable reports whether r can still be cancelled: it has not yet
// been dispatched to an adapter.
func (r *Request) Cancellable() bool {
	switch r.Status {
	case StatusPending, StatusQueued:
		return true
	default:
		return false
	}
}

// clone returns a deep-enough copy of r so callers holding a cached
// pointer never observe another goroutine's in-place mutation.
func (r *Request) clone() *Request {
	cp := *r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		cp.Result = &res
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

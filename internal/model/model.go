// Package model defines the sealed row structs for every persisted entity.
// Every repository and cache operation consumes and returns these structs
// directly; there is no reflection-based or mapping-like row access.
package model

import "time"

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusDone        TaskStatus = "done"
	StatusNeedsReview TaskStatus = "needs_review"
	StatusFailed      TaskStatus = "failed"
)

// TaskType distinguishes executable atomics from aggregating composites.
type TaskType string

const (
	TaskTypeRoot      TaskType = "root"
	TaskTypeComposite TaskType = "composite"
	TaskTypeAtomic    TaskType = "atomic"
)

// LinkKind is the type of directed edge between two tasks.
type LinkKind string

const (
	LinkRequires LinkKind = "requires"
	LinkRefers   LinkKind = "refers"
)

// Task is the atomic unit of work in a workflow's dependency tree.
type Task struct {
	ID           int64
	ParentID     *int64
	Path         string
	WorkflowID   string
	SessionID    string
	Name         string
	ShortName    string
	Status       TaskStatus
	Priority     int
	Type         TaskType
	Depth        int
	InputPrompt  string
	OutputContent string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Link is a typed directed edge between two tasks within one workflow.
type Link struct {
	FromTaskID int64
	ToTaskID   int64
	Kind       LinkKind
	WorkflowID string
	Priority   int
}

// Embedding is the current vector for one (task, model) pair.
type Embedding struct {
	TaskID    int64
	Model     string
	Vector    []float32
	Dimension int
	CreatedAt time.Time
}

// SectionBudget records how a context section's content was bounded.
type SectionBudget struct {
	OriginalLen       int
	NewLen            int
	Truncated         bool
	Strategy          string
	Allowed           int
	AllowedByPerSect  int
	AllowedByTotal    int
	TruncatedReason   string // none | per_section | total | both
}

// ContextSection is one labeled piece of context attached to a task.
type ContextSection struct {
	TaskID         int64
	Name           string
	ShortName      string
	Kind           string
	Content        string
	Pinned         bool
	RetrievalScore *float64
	Budget         *SectionBudget
}

// Bundle is the structured output of the context assembler.
type Bundle struct {
	TaskID     int64
	Sections   []ContextSection
	Combined   string
	BudgetInfo *BudgetInfo
}

// BudgetInfo summarizes the bundle-level totals after budget application.
type BudgetInfo struct {
	MaxChars          *int
	PerSectionMax     *int
	Strategy          string
	TotalOriginalChars int
	TotalNewChars      int
}

// Snapshot is an immutable, labeled capture of a bundle for a task.
type Snapshot struct {
	TaskID    int64
	Label     string
	Bundle    Bundle
	CreatedAt time.Time
}

// Workflow is the isolation unit: a root task and its descendants.
type Workflow struct {
	WorkflowID string
	SessionID  string
	RootTaskID int64
	Title      string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// EvaluationIteration records one pass of the evaluation-driven re-execution loop.
type EvaluationIteration struct {
	TaskID         int64
	Iteration      int
	Score          float64
	Dimensions     map[string]float64
	ExpertScores   map[string]float64 // populated only in multi-expert evaluator mode
	Suggestions    []string
	NeedsRevision  bool
	HumanScore     *float64
	HumanReason    string
	Timestamp      time.Time
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// LogEntry is one line of a job's progress log.
type LogEntry struct {
	Level     string
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// ActionEntry is one entry in a job's action log, with a monotonically
// increasing cursor for ordered replay by subscribers.
type ActionEntry struct {
	Cursor    int64
	Action    string
	Data      map[string]any
	Timestamp time.Time
}

// AsyncJob is a long-running background job record (e.g. a plan decomposition).
type AsyncJob struct {
	JobID       string
	Kind        string
	Status      JobStatus
	Params      map[string]any
	Stats       map[string]any
	Logs        []LogEntry
	ActionLogs  []ActionEntry
	Result      any
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CacheEntry is the serialized shape of one two-tier cache row.
type CacheEntry struct {
	Key          string
	Value        []byte
	TTL          time.Duration
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (c CacheEntry) IsExpired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.Sub(c.CreatedAt) >= c.TTL
}

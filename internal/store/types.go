package store

import "time"

// JobScope is whether a Job targets one tenant or every active tenant.
type JobScope string

const (
	ScopeSingle JobScope = "single"
	ScopeAll    JobScope = "all"
)

// JobStatus is a Job's position in the DAG
// queued -> {running, failed, cancelled}; running -> {succeeded, failed, cancelled}.
// queued -> failed happens only when the subprocess cannot be spawned.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one scheduled or on-demand pipeline invocation.
type Job struct {
	ID       string
	Scope    JobScope
	TenantKey string // empty when Scope == ScopeAll

	TargetDate string // YYYY-MM-DD, empty if unset
	FromDate   string
	ToDate     string

	SkipDownload      bool
	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool

	Status JobStatus

	PID           *int
	LogFilePath   string
	ExitCode      *int
	FailureReason string

	QueuedAt     time.Time
	DispatchedAt *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time

	RequestedBy string
	ScheduledBy string
}

// HasDateRange reports whether the job uses the (from_date, to_date) form of
// the date selector.
func (j *Job) HasDateRange() bool {
	return j.FromDate != "" && j.ToDate != ""
}

// ScheduleResult is the outcome the Scheduler recorded the last time a
// Schedule fired.
type ScheduleResult string

const (
	ResultQueued        ScheduleResult = "queued"
	ResultSkippedOverlap ScheduleResult = "skipped_overlap"
	ResultSkippedInvalid ScheduleResult = "skipped_invalid"
	ResultError          ScheduleResult = "error"
)

// Schedule is a cron+timezone description that periodically produces Jobs.
type Schedule struct {
	ID       string
	Name     string
	Enabled  bool
	Scope    JobScope
	TenantKey string

	CronExpr     string
	TimezoneName string

	TargetDateMode string

	Parallel          int
	StaggerSeconds    int
	ContinueOnFailure bool

	NextFireAt  *time.Time
	LastFiredAt *time.Time
	LastResult  ScheduleResult
	LastError   string

	IsSystemManaged bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reliability describes how trustworthy an Artifact's snapshot is.
type Reliability string

const (
	ReliabilityHigh    Reliability = "high"
	ReliabilityWarning Reliability = "warning"
)

// Artifact is the canonical digest of one pipeline invocation's outputs for
// one tenant on one date.
type Artifact struct {
	ID         string
	TenantKey  string
	TargetDate string
	ProcessedAt *time.Time

	SourcePath string
	SourceHash string

	Reliability Reliability

	RowsTotal      *int
	RowsKept       *int
	RowsNonTarget  *int
	UploadStats    map[string]interface{}

	ReconStatus     string
	ReconDifference *float64
	EposTotal       *float64
	QBOTotal        *float64
	EposCount       *int
	QBOCount        *int

	RawFile         string
	ProcessedFiles  []string
	NearestLogFile  string

	RunJob string

	ImportedAt time.Time
}

// EventType enumerates ScheduleEvent audit-log entries.
type EventType string

const (
	EventQueued            EventType = "queued"
	EventSkippedOverlap    EventType = "skipped_overlap"
	EventSkippedInvalid    EventType = "skipped_invalid"
	EventError             EventType = "error"
	EventFallbackEnabled   EventType = "fallback_enabled"
	EventFallbackDisabled  EventType = "fallback_disabled"
	EventRunSucceeded      EventType = "run_succeeded"
	EventRunFailed         EventType = "run_failed"
)

// ScheduleEvent is an append-only audit log entry tied to a Schedule and/or
// a Job. It is never mutated once written, except that deleting its
// Schedule sets schedule_id to NULL.
type ScheduleEvent struct {
	ID           string
	ScheduleID   string // may be empty after the owning schedule is deleted
	ScheduleName string // payload snapshot; survives schedule deletion
	JobID        string
	Type         EventType
	Message      string
	Payload      map[string]interface{}
	CreatedAt    time.Time
}

// GlobalLock is the single-slot mutex row ensuring at most one pipeline
// subprocess runs at once on this host.
type GlobalLock struct {
	Active     bool
	Holder     string
	OwnerJob   string
	AcquiredAt *time.Time
}

// Tenant is the core's read-only view of a tenant record. The web UI owns
// creation/editing; the core only reads tenant_key, display name, active
// flag, and the opaque config payload.
type Tenant struct {
	TenantKey   string
	DisplayName string
	Active      bool
	Config      map[string]interface{}
	Checksum    string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

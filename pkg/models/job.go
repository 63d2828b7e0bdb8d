package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job. The terminal states are final:
// once a job observes one of them no further state change is accepted.
type JobState string

const (
	JobStateInQueue      JobState = "IN_QUEUE"
	JobStateProvisioning JobState = "PROVISIONING"
	JobStateRunning      JobState = "RUNNING"
	JobStateCanceling    JobState = "CANCELING"
	JobStateSuccess      JobState = "SUCCESS"
	JobStateFailure      JobState = "FAILURE"
	JobStateExpired      JobState = "EXPIRED"
)

// IsFinal reports whether no further state transitions are accepted from s.
func (s JobState) IsFinal() bool {
	switch s {
	case JobStateSuccess, JobStateFailure, JobStateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	switch s {
	case JobStateInQueue, JobStateProvisioning, JobStateRunning,
		JobStateCanceling, JobStateSuccess, JobStateFailure, JobStateExpired:
		return true
	}
	return false
}

// NameAndVersion identifies an application or tool in the catalog.
type NameAndVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ProductReference points at a concrete product offered by a provider.
// It is immutable for the lifetime of the job that references it.
type ProductReference struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Provider string `json:"provider"`
}

// JobOwner identifies who launched a job and on behalf of which project.
type JobOwner struct {
	LaunchedBy string  `json:"launched_by"`
	Project    *string `json:"project,omitempty"`
}

// JobSpecification is the user-supplied description of what to run.
type JobSpecification struct {
	Application       NameAndVersion               `json:"application"`
	Product           ProductReference             `json:"product"`
	Name              *string                      `json:"name,omitempty"`
	Replicas          int                          `json:"replicas"`
	AllowDuplicateJob bool                         `json:"allow_duplicate_job"`
	Parameters        map[string]AppParameterValue `json:"parameters"`
	Resources         []AppParameterValue          `json:"resources"`

	// TimeAllocationMillis is the requested wall time. Verification replaces a
	// nil value with the tool's default.
	TimeAllocationMillis *int64 `json:"time_allocation_millis,omitempty"`
}

// Equivalent reports whether two specifications describe the same submission.
// Used for duplicate detection.
func (s JobSpecification) Equivalent(other JobSpecification) bool {
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// JobStatus is the current lifecycle position of a job.
type JobStatus struct {
	State     JobState   `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// JobBilling tracks the monetary state of a job. PricePerUnit is copied from
// the product at verification time and never changes afterwards.
type JobBilling struct {
	PricePerUnit     int64 `json:"price_per_unit"`
	CreditsCharged   int64 `json:"credits_charged"`
	AllocatedCredits int64 `json:"allocated_credits"`
}

// JobUpdate is one entry in a job's append-only update log. The latest
// non-nil State is authoritative.
type JobUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	State     *JobState `json:"state,omitempty"`
	Status    *string   `json:"status,omitempty"`

	// ExpectedState, when set by a provider, makes the update a no-op unless
	// the job is currently in that state.
	ExpectedState *JobState `json:"expected_state,omitempty"`
}

// Job is the central entity tracked by the orchestrator.
type Job struct {
	ID            uuid.UUID        `db:"id"            json:"id"`
	Owner         JobOwner         `db:"-"             json:"owner"`
	Specification JobSpecification `db:"-"             json:"specification"`
	Status        JobStatus        `db:"-"             json:"status"`
	Billing       JobBilling       `db:"-"             json:"billing"`
	OutputFolder  *string          `db:"output_folder" json:"output_folder,omitempty"`
	CreatedAt     time.Time        `db:"created_at"    json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"    json:"updated_at"`

	// Optional eager-loaded sub-resources, populated according to include
	// flags on the read path.
	Updates         []JobUpdate     `json:"updates,omitempty"`
	ResolvedApp     *Application    `json:"resolved_application,omitempty"`
	ResolvedProduct *Product        `json:"resolved_product,omitempty"`
	ResolvedSupport *ComputeSupport `json:"resolved_support,omitempty"`
}

// UnitsBilled derives billable units from elapsed wall time: whole minutes
// rounded up, multiplied by replica count.
func UnitsBilled(wallMillis int64, replicas int) int64 {
	if wallMillis <= 0 {
		return 0
	}
	if replicas < 1 {
		replicas = 1
	}
	units := (wallMillis + 59_999) / 60_000
	return units * int64(replicas)
}

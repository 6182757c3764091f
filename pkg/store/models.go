package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role identifies the author of a trajectory message.
type Role string

// Trajectory roles.
const (
	// RoleImpersonator marks raw output of the impersonation policy.
	RoleImpersonator Role = "impersonator"
	// RoleToolOutput marks results of actions taken against the system
	// under test.
	RoleToolOutput Role = "tool_output"
)

// Scenario is a static benchmark definition. The engine never mutates it.
type Scenario struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null" json:"name"`
	Description    string    `json:"description"`
	Prompt         string    `gorm:"not null" json:"prompt"`
	LLMTemperature float64   `gorm:"not null" json:"llm_temperature"`
	TimeoutSeconds int       `gorm:"not null" json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Reviewer is an evaluation unit scoring a run along one dimension.
type Reviewer struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null" json:"name"`
	Dimension      string    `gorm:"index;not null" json:"dimension"`
	Description    string    `json:"description"`
	Prompt         string    `gorm:"not null" json:"prompt"`
	Weight         float64   `gorm:"not null" json:"weight"`
	LLMTemperature float64   `gorm:"not null" json:"llm_temperature"`
	RunCount       int       `gorm:"not null" json:"run_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScenarioReviewer associates reviewers with scenarios.
type ScenarioReviewer struct {
	ScenarioID string `gorm:"primaryKey;size:36"`
	ReviewerID string `gorm:"primaryKey;size:36"`
}

// Run is one execution of a Scenario against one system-under-test version.
type Run struct {
	ID            string `gorm:"primaryKey;size:36" json:"id"`
	ScenarioID    string `gorm:"index;not null;size:36" json:"scenario_id"`
	SystemVersion string `gorm:"not null" json:"system_version"`
	// ProjectID is the opaque handle assigned by the system under test.
	ProjectID string `gorm:"not null" json:"project_id"`
	Link      string `json:"link"`
	UserID    string `gorm:"index" json:"user_id"`
	State     State  `gorm:"index;not null" json:"state"`
	// TimeUsageMs is cumulative iteration wall time in milliseconds.
	TimeUsageMs       int64      `gorm:"not null;default:0" json:"time_usage_ms"`
	LLMTemperature    float64    `gorm:"not null" json:"llm_temperature"`
	ReviewStartedAt   *time.Time `json:"review_started_at,omitempty"`
	ReviewCompletedAt *time.Time `json:"review_completed_at,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TimeUsage returns the cumulative time usage as a duration.
func (r *Run) TimeUsage() time.Duration {
	return time.Duration(r.TimeUsageMs) * time.Millisecond
}

// TrajectoryMessage is one append-only entry in a run's ordered log.
type TrajectoryMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"index:idx_trajectory_run_created;not null;size:36" json:"run_id"`
	Role      Role      `gorm:"not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_trajectory_run_created" json:"created_at"`
}

// Result is the output of one reviewer evaluation of one run. Diagnostic
// results carry no reviewer.
type Result struct {
	ID         string        `gorm:"primaryKey;size:36" json:"id"`
	RunID      string        `gorm:"uniqueIndex:idx_result_run_reviewer;not null;size:36" json:"run_id"`
	ReviewerID *string       `gorm:"uniqueIndex:idx_result_run_reviewer;size:36" json:"reviewer_id,omitempty"`
	Payload    ResultPayload `gorm:"serializer:json;type:text" json:"result"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Result payload types.
const (
	PayloadTypeReview            = "review"
	PayloadTypeImpersonatorError = "impersonator_error"
)

// ResultPayload is the structured body of a Result.
type ResultPayload struct {
	Type        string               `json:"type"`
	Score       *float64             `json:"score,omitempty"`
	Dimension   string               `json:"dimension,omitempty"`
	Invocations []ReviewerInvocation `json:"invocations,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// ReviewerInvocation is one reviewer policy conversation.
type ReviewerInvocation struct {
	Score      *float64            `json:"score,omitempty"`
	Error      string              `json:"error,omitempty"`
	Transcript []TranscriptMessage `json:"transcript"`
}

// TranscriptMessage is one message of a reviewer's private accumulator.
type TranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ScoredResult joins a review Result with its reviewer and run.
type ScoredResult struct {
	RunID         string
	SystemVersion string
	ReviewerID    string
	Dimension     string
	Weight        float64
	Payload       ResultPayload
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// BeforeCreate assigns a UUID.
func (s *Scenario) BeforeCreate(_ *gorm.DB) error {
	newID(&s.ID)

	return nil
}

// BeforeCreate assigns a UUID.
func (r *Reviewer) BeforeCreate(_ *gorm.DB) error {
	newID(&r.ID)

	return nil
}

// BeforeCreate assigns a UUID.
func (r *Run) BeforeCreate(_ *gorm.DB) error {
	newID(&r.ID)

	return nil
}

// BeforeCreate assigns a UUID.
func (r *Result) BeforeCreate(_ *gorm.DB) error {
	newID(&r.ID)

	return nil
}

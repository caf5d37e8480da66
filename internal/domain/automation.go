package domain

import (
	"fmt"
	"time"
)

// Frequency enumerates supported posting recurrence frequencies.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Schedule is the recurrence spec for auto-posting: a time of day plus a
// frequency. Weekday applies to weekly schedules only.
type Schedule struct {
	Frequency Frequency    `json:"frequency"`
	Hour      int          `json:"hour"`
	Minute    int          `json:"minute"`
	Weekday   time.Weekday `json:"weekday,omitempty"`
}

// Validate checks the schedule fields. Errors wrap ErrInvalidSchedule so a
// single malformed config can be flagged and skipped without affecting other
// resources.
func (s Schedule) Validate() error {
	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidSchedule, s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidSchedule, s.Minute)
	}
	if s.Frequency == FrequencyWeekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSchedule, s.Weekday)
	}
	return nil
}

// Reasons a config can be disabled. An empty reason on a disabled config
// means the owner turned it off; reconnect_required must surface differently.
const (
	DisabledReasonReconnectRequired = "reconnect_required"
	DisabledReasonResourceGone      = "resource_gone"
	DisabledReasonInvalidSchedule   = "invalid_schedule"
)

// AutomationConfig drives the recurring automations for one managed business
// location. The scheduler reads everything and mutates only LastRunAt and
// LastReplyCheckAt; both are monotonically non-decreasing.
type AutomationConfig struct {
	ResourceID           string    `json:"resource_id"`
	OwnerPrincipalID     string    `json:"owner_principal_id"`
	PostingEnabled       bool      `json:"posting_enabled"`
	Schedule             Schedule  `json:"schedule"`
	LastRunAt            time.Time `json:"last_run_at"`
	ReplyEnabled         bool      `json:"reply_enabled"`
	CheckIntervalSeconds int       `json:"check_interval_seconds"`
	LastReplyCheckAt     time.Time `json:"last_reply_check_at"`
	ReplyMessage         string    `json:"reply_message"`
	DisabledReason       string    `json:"disabled_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// JobType identifies which automation an execution belongs to.
type JobType string

const (
	JobTypePost       JobType = "post"
	JobTypeReplyCheck JobType = "reply-check"
)

// JobOutcome classifies how an execution cycle ended.
type JobOutcome string

const (
	OutcomeSuccess          JobOutcome = "success"
	OutcomeRetryableFailure JobOutcome = "retryable-failure"
	OutcomeTerminalFailure  JobOutcome = "terminal-failure"
)

// JobExecutionRecord is an append-only audit row, one per execution cycle.
type JobExecutionRecord struct {
	ID         int64      `json:"id"`
	ResourceID string     `json:"resource_id"`
	JobType    JobType    `json:"job_type"`
	StartedAt  time.Time  `json:"started_at"`
	Outcome    JobOutcome `json:"outcome"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
}

// QueuedPost is owner-authored content waiting to be published by the
// auto-post job. The oldest pending post per resource is published first.
type QueuedPost struct {
	ID          int64      `json:"id"`
	ResourceID  string     `json:"resource_id"`
	Body        string     `json:"body"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

const (
	PostStatusPending   = "pending"
	PostStatusPublished = "published"
	PostStatusFailed    = "failed"
)

// Review is a customer review returned by the profile API that has no owner
// reply yet.
type Review struct {
	ReviewID   string    `json:"review_id"`
	ResourceID string    `json:"resource_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"created_at"`
}

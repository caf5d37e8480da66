package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/listing-automation/internal/domain"
)

// CredentialRepository is the durable credential store, one record per
// principal. Must survive process restarts.
type CredentialRepository interface {
	Load(ctx context.Context, principalID string) (domain.CredentialRecord, error)
	Save(ctx context.Context, record domain.CredentialRecord) error
	Delete(ctx context.Context, principalID string) error
	ListPrincipals(ctx context.Context) ([]string, error)
	// ListExpiring returns every record whose access token expires before the
	// cutoff, including records with an unknown expiry. Records flagged as
	// needing re-authorization are excluded; their secret is dead until the
	// owner reconnects.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.CredentialRecord, error)
}

// AutomationConfigRepository exposes automation configuration per resource.
// The scheduler writes only the run watermarks and the disable flags.
type AutomationConfigRepository interface {
	Get(ctx context.Context, resourceID string) (domain.AutomationConfig, error)
	ListEnabled(ctx context.Context) ([]domain.AutomationConfig, error)
	Save(ctx context.Context, cfg domain.AutomationConfig) error
	UpdateLastRun(ctx context.Context, resourceID string, at time.Time) error
	UpdateLastReplyCheck(ctx context.Context, resourceID string, at time.Time) error
	Disable(ctx context.Context, resourceID string, jobType domain.JobType, reason string) error
}

// JobExecutionRepository appends immutable execution audit rows.
type JobExecutionRepository interface {
	Append(ctx context.Context, record domain.JobExecutionRecord) error
	ListRecent(ctx context.Context, resourceID string, limit int) ([]domain.JobExecutionRecord, error)
}

// QueuedPostRepository manages owner-authored posts awaiting publication.
type QueuedPostRepository interface {
	Enqueue(ctx context.Context, post domain.QueuedPost) (domain.QueuedPost, error)
	// NextPending returns the oldest pending post for the resource, or
	// found=false when the queue is empty.
	NextPending(ctx context.Context, resourceID string) (domain.QueuedPost, bool, error)
	MarkPublished(ctx context.Context, postID int64, at time.Time) error
}

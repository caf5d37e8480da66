package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/listing-automation/internal/domain"
)

// Compile-time interface assertions.
var (
	_ CredentialRepository       = (*PostgresCredentialRepo)(nil)
	_ AutomationConfigRepository = (*PostgresAutomationConfigRepo)(nil)
	_ JobExecutionRepository     = (*PostgresJobExecutionRepo)(nil)
	_ QueuedPostRepository       = (*PostgresQueuedPostRepo)(nil)
)

// PostgresCredentialRepo implements CredentialRepository with pgx.
type PostgresCredentialRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCredentialRepo(pool *pgxpool.Pool) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: pool}
}

const loadCredentialSQL = `SELECT principal_id, access_token, access_token_expiry, refresh_token, scope, token_type, reauth_required, created_at, updated_at
FROM credentials
WHERE principal_id = $1`

func (r *PostgresCredentialRepo) Load(ctx context.Context, principalID string) (domain.CredentialRecord, error) {
	var rec domain.CredentialRecord
	err := r.db.QueryRow(ctx, loadCredentialSQL, principalID).Scan(
		&rec.PrincipalID,
		&rec.AccessToken,
		&rec.AccessTokenExpiry,
		&rec.RefreshToken,
		&rec.Scope,
		&rec.TokenType,
		&rec.ReauthRequired,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CredentialRecord{}, fmt.Errorf("load credential %s: %w", principalID, domain.ErrCredentialNotFound)
		}
		return domain.CredentialRecord{}, fmt.Errorf("load credential: %w", err)
	}
	return rec, nil
}

const saveCredentialSQL = `INSERT INTO credentials (principal_id, access_token, access_token_expiry, refresh_token, scope, token_type, reauth_required, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
ON CONFLICT (principal_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	access_token_expiry = EXCLUDED.access_token_expiry,
	refresh_token = EXCLUDED.refresh_token,
	scope = EXCLUDED.scope,
	token_type = EXCLUDED.token_type,
	reauth_required = EXCLUDED.reauth_required,
	updated_at = now()`

func (r *PostgresCredentialRepo) Save(ctx context.Context, record domain.CredentialRecord) error {
	_, err := r.db.Exec(ctx, saveCredentialSQL,
		record.PrincipalID,
		record.AccessToken,
		record.AccessTokenExpiry,
		record.RefreshToken,
		record.Scope,
		record.TokenType,
		record.ReauthRequired,
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepo) Delete(ctx context.Context, principalID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM credentials WHERE principal_id = $1`, principalID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepo) ListPrincipals(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT principal_id FROM credentials ORDER BY principal_id`)
	if err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	defer rows.Close()

	var principals []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		principals = append(principals, id)
	}
	return principals, rows.Err()
}

const listExpiringSQL = `SELECT principal_id, access_token, access_token_expiry, refresh_token, scope, token_type, reauth_required, created_at, updated_at
FROM credentials
WHERE access_token_expiry < $1 AND NOT reauth_required
ORDER BY access_token_expiry`

func (r *PostgresCredentialRepo) ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.CredentialRecord, error) {
	rows, err := r.db.Query(ctx, listExpiringSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expiring credentials: %w", err)
	}
	defer rows.Close()

	var records []domain.CredentialRecord
	for rows.Next() {
		var rec domain.CredentialRecord
		if err := rows.Scan(
			&rec.PrincipalID,
			&rec.AccessToken,
			&rec.AccessTokenExpiry,
			&rec.RefreshToken,
			&rec.Scope,
			&rec.TokenType,
			&rec.ReauthRequired,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PostgresAutomationConfigRepo implements AutomationConfigRepository.
type PostgresAutomationConfigRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAutomationConfigRepo(pool *pgxpool.Pool) *PostgresAutomationConfigRepo {
	return &PostgresAutomationConfigRepo{db: pool}
}

const selectConfigColumns = `resource_id, owner_principal_id, posting_enabled, schedule, last_run_at, reply_enabled, check_interval_seconds, last_reply_check_at, reply_message, disabled_reason, created_at, updated_at`

func (r *PostgresAutomationConfigRepo) Get(ctx context.Context, resourceID string) (domain.AutomationConfig, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectConfigColumns+` FROM automation_configs WHERE resource_id = $1`, resourceID)
	cfg, err := scanConfigRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AutomationConfig{}, fmt.Errorf("config %s: %w", resourceID, domain.ErrConfigNotFound)
		}
		return domain.AutomationConfig{}, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

func (r *PostgresAutomationConfigRepo) ListEnabled(ctx context.Context) ([]domain.AutomationConfig, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectConfigColumns+` FROM automation_configs WHERE posting_enabled OR reply_enabled ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.AutomationConfig
	for rows.Next() {
		cfg, err := scanConfigRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

const saveConfigSQL = `INSERT INTO automation_configs (resource_id, owner_principal_id, posting_enabled, schedule, last_run_at, reply_enabled, check_interval_seconds, last_reply_check_at, reply_message, disabled_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
ON CONFLICT (resource_id) DO UPDATE SET
	owner_principal_id = EXCLUDED.owner_principal_id,
	posting_enabled = EXCLUDED.posting_enabled,
	schedule = EXCLUDED.schedule,
	reply_enabled = EXCLUDED.reply_enabled,
	check_interval_seconds = EXCLUDED.check_interval_seconds,
	reply_message = EXCLUDED.reply_message,
	disabled_reason = EXCLUDED.disabled_reason,
	updated_at = now()`

func (r *PostgresAutomationConfigRepo) Save(ctx context.Context, cfg domain.AutomationConfig) error {
	schedule, err := json.Marshal(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	_, err = r.db.Exec(ctx, saveConfigSQL,
		cfg.ResourceID,
		cfg.OwnerPrincipalID,
		cfg.PostingEnabled,
		schedule,
		cfg.LastRunAt,
		cfg.ReplyEnabled,
		cfg.CheckIntervalSeconds,
		cfg.LastReplyCheckAt,
		cfg.ReplyMessage,
		cfg.DisabledReason,
	)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// UpdateLastRun advances the posting watermark. GREATEST keeps it
// monotonically non-decreasing even under a clock anomaly.
func (r *PostgresAutomationConfigRepo) UpdateLastRun(ctx context.Context, resourceID string, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE automation_configs SET last_run_at = GREATEST(last_run_at, $2), updated_at = now() WHERE resource_id = $1`,
		resourceID, at,
	); err != nil {
		return fmt.Errorf("update last run: %w", err)
	}
	return nil
}

func (r *PostgresAutomationConfigRepo) UpdateLastReplyCheck(ctx context.Context, resourceID string, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE automation_configs SET last_reply_check_at = GREATEST(last_reply_check_at, $2), updated_at = now() WHERE resource_id = $1`,
		resourceID, at,
	); err != nil {
		return fmt.Errorf("update last reply check: %w", err)
	}
	return nil
}

func (r *PostgresAutomationConfigRepo) Disable(ctx context.Context, resourceID string, jobType domain.JobType, reason string) error {
	column := "posting_enabled"
	if jobType == domain.JobTypeReplyCheck {
		column = "reply_enabled"
	}
	if _, err := r.db.Exec(ctx,
		`UPDATE automation_configs SET `+column+` = false, disabled_reason = $2, updated_at = now() WHERE resource_id = $1`,
		resourceID, reason,
	); err != nil {
		return fmt.Errorf("disable automation: %w", err)
	}
	return nil
}

func scanConfigRow(row pgx.Row) (domain.AutomationConfig, error) {
	var (
		cfg      domain.AutomationConfig
		schedule []byte
	)
	if err := row.Scan(
		&cfg.ResourceID,
		&cfg.OwnerPrincipalID,
		&cfg.PostingEnabled,
		&schedule,
		&cfg.LastRunAt,
		&cfg.ReplyEnabled,
		&cfg.CheckIntervalSeconds,
		&cfg.LastReplyCheckAt,
		&cfg.ReplyMessage,
		&cfg.DisabledReason,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return domain.AutomationConfig{}, err
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &cfg.Schedule); err != nil {
			return domain.AutomationConfig{}, fmt.Errorf("decode schedule: %w", err)
		}
	}
	return cfg, nil
}

// PostgresJobExecutionRepo implements JobExecutionRepository.
type PostgresJobExecutionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresJobExecutionRepo(pool *pgxpool.Pool) *PostgresJobExecutionRepo {
	return &PostgresJobExecutionRepo{db: pool}
}

const appendExecutionSQL = `INSERT INTO job_executions (id, resource_id, job_type, started_at, outcome, attempt, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *PostgresJobExecutionRepo) Append(ctx context.Context, record domain.JobExecutionRecord) error {
	_, err := r.db.Exec(ctx, appendExecutionSQL,
		record.ID,
		record.ResourceID,
		string(record.JobType),
		record.StartedAt,
		string(record.Outcome),
		record.Attempt,
		record.Error,
	)
	if err != nil {
		return fmt.Errorf("append job execution: %w", err)
	}
	return nil
}

const listRecentExecutionsSQL = `SELECT id, resource_id, job_type, started_at, outcome, attempt, error
FROM job_executions
WHERE resource_id = $1
ORDER BY started_at DESC
LIMIT $2`

func (r *PostgresJobExecutionRepo) ListRecent(ctx context.Context, resourceID string, limit int) ([]domain.JobExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, listRecentExecutionsSQL, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job executions: %w", err)
	}
	defer rows.Close()

	var records []domain.JobExecutionRecord
	for rows.Next() {
		var rec domain.JobExecutionRecord
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &rec.JobType, &rec.StartedAt, &rec.Outcome, &rec.Attempt, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan job execution: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PostgresQueuedPostRepo implements QueuedPostRepository.
type PostgresQueuedPostRepo struct {
	db *pgxpool.Pool
}

func NewPostgresQueuedPostRepo(pool *pgxpool.Pool) *PostgresQueuedPostRepo {
	return &PostgresQueuedPostRepo{db: pool}
}

const enqueuePostSQL = `INSERT INTO queued_posts (id, resource_id, body, status, created_at)
VALUES ($1, $2, $3, $4, now())
RETURNING created_at`

func (r *PostgresQueuedPostRepo) Enqueue(ctx context.Context, post domain.QueuedPost) (domain.QueuedPost, error) {
	post.Status = domain.PostStatusPending
	if err := r.db.QueryRow(ctx, enqueuePostSQL, post.ID, post.ResourceID, post.Body, post.Status).Scan(&post.CreatedAt); err != nil {
		return domain.QueuedPost{}, fmt.Errorf("enqueue post: %w", err)
	}
	return post, nil
}

const nextPendingSQL = `SELECT id, resource_id, body, status, created_at
FROM queued_posts
WHERE resource_id = $1 AND status = 'pending'
ORDER BY created_at
LIMIT 1`

func (r *PostgresQueuedPostRepo) NextPending(ctx context.Context, resourceID string) (domain.QueuedPost, bool, error) {
	var post domain.QueuedPost
	err := r.db.QueryRow(ctx, nextPendingSQL, resourceID).Scan(&post.ID, &post.ResourceID, &post.Body, &post.Status, &post.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QueuedPost{}, false, nil
		}
		return domain.QueuedPost{}, false, fmt.Errorf("next pending post: %w", err)
	}
	return post, true, nil
}

func (r *PostgresQueuedPostRepo) MarkPublished(ctx context.Context, postID int64, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE queued_posts SET status = 'published', published_at = $2 WHERE id = $1`,
		postID, at,
	); err != nil {
		return fmt.Errorf("mark post published: %w", err)
	}
	return nil
}

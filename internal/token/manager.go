package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smallbiznis/listing-automation/internal/adapter/oauth"
	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
	"github.com/smallbiznis/listing-automation/internal/repository"
)

// Manager owns the lifecycle of one credential record per principal:
// acquisition, proactive refresh, validation, and retry/backoff. It is the
// only component that mutates CredentialRecords.
type Manager struct {
	store     repository.CredentialRepository
	cache     CredentialCache
	sources   []CredentialSource
	authority oauth.AuthorityClient
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer

	group singleflight.Group

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager wires the token lifecycle manager. The source order is the
// resolution order for refresh secrets: cache, durable store, then the
// optional original issuer.
func NewManager(
	store repository.CredentialRepository,
	cache CredentialCache,
	issuer Issuer,
	authority oauth.AuthorityClient,
	cfg config.Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:     store,
		cache:     cache,
		sources:   []CredentialSource{NewCacheSource(cache), NewStoreSource(store), NewIssuerSource(issuer)},
		authority: authority,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/listing-automation/internal/token"),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// GetValidCredential returns an access token with at least the configured
// safety margin of lifetime left, refreshing first when it does not. It never
// hands out a token inside the margin without attempting a refresh.
func (m *Manager) GetValidCredential(ctx context.Context, principalID string) (string, error) {
	ctx, span := m.startSpan(ctx, "token.GetValidCredential")
	defer span.End()

	record, err := m.lookup(ctx, principalID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return "", fmt.Errorf("principal %s: %w", principalID, domain.ErrReauthorizationRequired)
		}
		return "", err
	}

	if record.AccessToken != "" && !record.ExpiresWithin(m.now(), m.cfg.RefreshSafetyMargin) {
		return record.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, principalID)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the refresh secret for a new access token. Concurrent
// callers for the same principal share a single in-flight exchange and
// observe the same result.
func (m *Manager) Refresh(ctx context.Context, principalID string) (*domain.CredentialRecord, error) {
	result, err, shared := m.group.Do(principalID, func() (any, error) {
		return m.doRefresh(ctx, principalID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log().Debug("joined in-flight refresh", zap.String("principal_id", principalID))
	}
	return result.(*domain.CredentialRecord), nil
}

func (m *Manager) doRefresh(ctx context.Context, principalID string) (*domain.CredentialRecord, error) {
	ctx, span := m.startSpan(ctx, "token.Refresh")
	defer span.End()

	// A secret the authority already rejected terminally is never replayed;
	// only a fresh grant from the owner re-arms refreshing.
	if record, err := m.store.Load(ctx, principalID); err == nil && record.ReauthRequired {
		return nil, fmt.Errorf("principal %s: %w", principalID, domain.ErrReauthorizationRequired)
	}

	secret, err := m.resolveRefreshSecret(ctx, principalID)
	if err != nil {
		return nil, err
	}

	grant, err := m.exchangeWithRetry(ctx, principalID, secret)
	if err != nil {
		if domain.IsTerminalAuth(err) {
			m.markReauthRequired(ctx, principalID)
		}
		return nil, err
	}

	record, err := m.persistGrant(ctx, principalID, secret, grant)
	if err != nil {
		return nil, err
	}

	m.log().Info("credential refreshed",
		zap.String("principal_id", principalID),
		zap.Time("expiry", record.AccessTokenExpiry),
		zap.Bool("refresh_token_rotated", grant.RefreshToken != ""),
	)
	return record, nil
}

// resolveRefreshSecret walks the ordered source chain. A secret missing from
// every source is terminal: only the owner re-authorizing can produce one.
func (m *Manager) resolveRefreshSecret(ctx context.Context, principalID string) (string, error) {
	for _, source := range m.sources {
		secret, err := source.RefreshSecret(ctx, principalID)
		if err != nil {
			return "", fmt.Errorf("source %s: %w", source.Name(), err)
		}
		if strings.TrimSpace(secret) != "" {
			return secret, nil
		}
	}
	return "", fmt.Errorf("no refresh secret for principal %s: %w", principalID, domain.ErrReauthorizationRequired)
}

// exchangeWithRetry calls the authority with bounded exponential backoff.
// Terminal rejections return immediately; retryable failures exhaust the
// attempt budget and surface ErrRefreshFailed.
func (m *Manager) exchangeWithRetry(ctx context.Context, principalID, secret string) (*domain.TokenGrant, error) {
	var lastErr error
	backoff := m.cfg.RefreshRetryBase
	for attempt := 1; attempt <= m.cfg.RefreshRetryAttempts; attempt++ {
		grant, err := m.authority.ExchangeRefreshToken(ctx, secret)
		if err == nil {
			return grant, nil
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		m.log().Warn("token exchange failed, will retry",
			zap.String("principal_id", principalID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if attempt == m.cfg.RefreshRetryAttempts {
			break
		}
		if err := m.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrRefreshFailed, lastErr)
}

// persistGrant writes the new access token immediately. The refresh secret is
// replaced only when the authority issued a new one; authorities do not
// always rotate it.
func (m *Manager) persistGrant(ctx context.Context, principalID, oldSecret string, grant *domain.TokenGrant) (*domain.CredentialRecord, error) {
	refreshToken := oldSecret
	if grant.RefreshToken != "" {
		refreshToken = grant.RefreshToken
	}

	record := domain.CredentialRecord{
		PrincipalID:       principalID,
		AccessToken:       grant.AccessToken,
		AccessTokenExpiry: grant.Expiry,
		RefreshToken:      refreshToken,
		Scope:             grant.Scope,
		TokenType:         grant.TokenType,
		UpdatedAt:         m.now().UTC(),
	}
	if existing, err := m.store.Load(ctx, principalID); err == nil {
		record.CreatedAt = existing.CreatedAt
		if record.Scope == "" {
			record.Scope = existing.Scope
		}
		if record.TokenType == "" {
			record.TokenType = existing.TokenType
		}
	}

	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.cacheSet(ctx, record)
	return &record, nil
}

// markReauthRequired drops the rejected access token locally so nothing
// keeps using it and flags the record so the proactive sweep stops
// re-exchanging the dead secret; the secret itself stays for the audit
// trail until the owner disconnects or re-authorizes.
func (m *Manager) markReauthRequired(ctx context.Context, principalID string) {
	record, err := m.store.Load(ctx, principalID)
	if err != nil {
		return
	}
	record.AccessToken = ""
	record.AccessTokenExpiry = time.Time{}
	record.ReauthRequired = true
	record.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, record); err != nil {
		m.log().Warn("failed to mark credential for re-authorization", zap.String("principal_id", principalID), zap.Error(err))
	}
	m.cacheDelete(ctx, principalID)
}

// StoreGrant records a fresh authorization result (initial connect or manual
// re-authorization) for the principal.
func (m *Manager) StoreGrant(ctx context.Context, principalID string, grant domain.TokenGrant) (*domain.CredentialRecord, error) {
	record := domain.CredentialRecord{
		PrincipalID:       principalID,
		AccessToken:       grant.AccessToken,
		AccessTokenExpiry: grant.Expiry,
		RefreshToken:      grant.RefreshToken,
		Scope:             grant.Scope,
		TokenType:         grant.TokenType,
		CreatedAt:         m.now().UTC(),
		UpdatedAt:         m.now().UTC(),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	m.cacheSet(ctx, record)
	m.log().Info("credential stored", zap.String("principal_id", principalID), zap.Time("expiry", record.AccessTokenExpiry))
	return &record, nil
}

// Revoke notifies the authority best-effort, then deletes the local record
// unconditionally; a failing remote call never blocks the local disconnect.
func (m *Manager) Revoke(ctx context.Context, principalID string) error {
	ctx, span := m.startSpan(ctx, "token.Revoke")
	defer span.End()

	if record, err := m.lookup(ctx, principalID); err == nil {
		token := record.RefreshToken
		if token == "" {
			token = record.AccessToken
		}
		if token != "" {
			if err := m.authority.Revoke(ctx, token); err != nil {
				m.log().Warn("remote revoke failed, deleting locally anyway",
					zap.String("principal_id", principalID), zap.Error(err))
			}
		}
	}

	m.cacheDelete(ctx, principalID)
	if err := m.store.Delete(ctx, principalID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	m.log().Info("credential revoked", zap.String("principal_id", principalID))
	return nil
}

// Run drives the proactive refresh loop: every interval it refreshes each
// principal whose token is already inside the safety margin, so unattended
// automation never waits on a caller to trigger a refresh at expiry time.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProactiveRefreshInterval)
	defer ticker.Stop()

	m.log().Info("proactive refresh loop started",
		zap.Duration("interval", m.cfg.ProactiveRefreshInterval),
		zap.Duration("safety_margin", m.cfg.RefreshSafetyMargin),
	)

	for {
		select {
		case <-ctx.Done():
			m.log().Info("proactive refresh loop stopped")
			return
		case <-ticker.C:
			m.refreshExpiring(ctx)
		}
	}
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	cutoff := m.now().Add(m.cfg.RefreshSafetyMargin)
	records, err := m.store.ListExpiring(ctx, cutoff)
	if err != nil {
		m.log().Error("list expiring credentials failed", zap.Error(err))
		return
	}

	for _, record := range records {
		if _, err := m.Refresh(ctx, record.PrincipalID); err != nil {
			// Failures stay local to the principal; the next cycle or the
			// health monitor picks it up.
			m.log().Warn("proactive refresh failed",
				zap.String("principal_id", record.PrincipalID),
				zap.Bool("terminal", domain.IsTerminalAuth(err)),
				zap.Error(err),
			)
		}
	}
}

// lookup reads through the cache into the durable store.
func (m *Manager) lookup(ctx context.Context, principalID string) (domain.CredentialRecord, error) {
	if m.cache != nil {
		if record, found, err := m.cache.Get(ctx, principalID); err == nil && found {
			return record, nil
		}
	}
	record, err := m.store.Load(ctx, principalID)
	if err != nil {
		return domain.CredentialRecord{}, err
	}
	m.cacheSet(ctx, record)
	return record, nil
}

func (m *Manager) cacheSet(ctx context.Context, record domain.CredentialRecord) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, record); err != nil {
		m.log().Warn("credential cache write failed", zap.String("principal_id", record.PrincipalID), zap.Error(err))
	}
}

func (m *Manager) cacheDelete(ctx context.Context, principalID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, principalID); err != nil {
		m.log().Warn("credential cache evict failed", zap.String("principal_id", principalID), zap.Error(err))
	}
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name)
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

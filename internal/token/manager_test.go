package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
)

func TestManager_GetValidCredential_ServesFreshToken(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{
		PrincipalID:       "principal-1",
		AccessToken:       "live-token",
		AccessTokenExpiry: h.now.Add(2 * time.Hour),
		RefreshToken:      "refresh-secret",
	})

	token, err := h.manager.GetValidCredential(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "live-token", token)
	require.Zero(t, h.authority.exchanges(), "a token outside the safety margin is served as-is")
}

func TestManager_GetValidCredential_RefreshesInsideMargin(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{
		PrincipalID:       "principal-1",
		AccessToken:       "stale-token",
		AccessTokenExpiry: h.now.Add(10 * time.Minute),
		RefreshToken:      "refresh-secret",
	})
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh-token", Expiry: h.now.Add(time.Hour)}

	token, err := h.manager.GetValidCredential(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", token)
	require.Equal(t, 1, h.authority.exchanges())
}

func TestManager_GetValidCredential_UnknownPrincipalNeedsReauthorization(t *testing.T) {
	h := newManagerTestHarness()

	_, err := h.manager.GetValidCredential(context.Background(), "stranger")
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.Zero(t, h.authority.exchanges())
}

func TestManager_Refresh_ConcurrentCallersShareOneExchange(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{
		PrincipalID:  "principal-1",
		RefreshToken: "refresh-secret",
	})
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh-token", Expiry: h.now.Add(time.Hour)}
	h.authority.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, err := h.manager.Refresh(context.Background(), "principal-1")
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = record.AccessToken
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, h.authority.exchanges(), "concurrent refreshes collapse into one exchange")
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-token", results[i])
	}
}

func TestManager_Refresh_RetriesWithExponentialBackoff(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{PrincipalID: "principal-1", RefreshToken: "refresh-secret"})
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh-token", Expiry: h.now.Add(time.Hour)}
	h.authority.failures = 2
	h.authority.failWith = domain.Retryable(errors.New("authority: status=503"))

	record, err := h.manager.Refresh(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", record.AccessToken)
	require.Equal(t, 3, h.authority.exchanges())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.slept())
}

func TestManager_Refresh_ExhaustedRetriesSurfaceRefreshFailed(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{PrincipalID: "principal-1", RefreshToken: "refresh-secret"})
	h.authority.failures = 10
	h.authority.failWith = domain.Retryable(errors.New("authority: status=503"))

	_, err := h.manager.Refresh(context.Background(), "principal-1")
	require.ErrorIs(t, err, domain.ErrRefreshFailed)
	require.Equal(t, 3, h.authority.exchanges(), "attempt budget is bounded")
}

func TestManager_Refresh_TerminalRejectionClearsAccessToken(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{
		PrincipalID:       "principal-1",
		AccessToken:       "revoked-upstream",
		AccessTokenExpiry: h.now.Add(time.Hour),
		RefreshToken:      "refresh-secret",
	})
	h.authority.failures = 10
	h.authority.failWith = domain.ErrReauthorizationRequired

	_, err := h.manager.Refresh(context.Background(), "principal-1")
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.Equal(t, 1, h.authority.exchanges(), "terminal rejections are never retried")

	record, err := h.store.Load(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Empty(t, record.AccessToken, "a rejected token must not keep circulating")
	require.Equal(t, "refresh-secret", record.RefreshToken, "the refresh secret stays until the owner acts")
	require.True(t, record.ReauthRequired)

	_, err = h.manager.Refresh(context.Background(), "principal-1")
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.Equal(t, 1, h.authority.exchanges(), "a rejected secret is never replayed")
}

func TestManager_ProactiveSweepSkipsRejectedSecrets(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{
		PrincipalID:       "principal-1",
		AccessToken:       "stale",
		AccessTokenExpiry: h.now.Add(5 * time.Minute),
		RefreshToken:      "revoked-secret",
	})
	h.authority.failures = 1
	h.authority.failWith = domain.ErrReauthorizationRequired
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh", Expiry: h.now.Add(10 * time.Minute)}

	ctx := context.Background()
	h.manager.refreshExpiring(ctx)
	require.Equal(t, 1, h.authority.exchanges())

	for i := 0; i < 3; i++ {
		h.manager.refreshExpiring(ctx)
	}
	require.Equal(t, 1, h.authority.exchanges(), "later sweeps leave the rejected principal alone")

	_, err := h.manager.StoreGrant(ctx, "principal-1", domain.TokenGrant{
		AccessToken:  "re-connected",
		RefreshToken: "new-secret",
		Expiry:       h.now.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	h.manager.refreshExpiring(ctx)
	require.Equal(t, 2, h.authority.exchanges(), "a fresh grant re-arms proactive refreshing")
}

func TestManager_Refresh_KeepsOldSecretWhenAuthorityDoesNotRotate(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{PrincipalID: "principal-1", RefreshToken: "original-secret"})
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh-token", Expiry: h.now.Add(time.Hour)}

	record, err := h.manager.Refresh(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "original-secret", record.RefreshToken)

	h.authority.grant = &domain.TokenGrant{AccessToken: "newer-token", RefreshToken: "rotated-secret", Expiry: h.now.Add(time.Hour)}
	record, err = h.manager.Refresh(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "rotated-secret", record.RefreshToken)
}

func TestManager_Refresh_NoSecretAnywhereIsTerminal(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{PrincipalID: "principal-1", AccessToken: "orphan"})

	_, err := h.manager.Refresh(context.Background(), "principal-1")
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.Zero(t, h.authority.exchanges())
}

func TestManager_Refresh_IssuerIsLastResortSource(t *testing.T) {
	h := newManagerTestHarness()
	h.issuer.secrets["principal-1"] = "issuer-secret"
	h.authority.grant = &domain.TokenGrant{AccessToken: "fresh-token", Expiry: h.now.Add(time.Hour)}

	record, err := h.manager.Refresh(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", record.AccessToken)
	require.Equal(t, "issuer-secret", record.RefreshToken)
}

func TestManager_Revoke_DeletesLocallyEvenWhenRemoteFails(t *testing.T) {
	h := newManagerTestHarness()
	h.store.save(domain.CredentialRecord{PrincipalID: "principal-1", RefreshToken: "refresh-secret"})
	h.authority.revokeErr = errors.New("authority unreachable")

	require.NoError(t, h.manager.Revoke(context.Background(), "principal-1"))

	_, err := h.store.Load(context.Background(), "principal-1")
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
	require.NotContains(t, h.cache.records, "principal-1")
}

func TestManager_StoreGrant_PersistsAndCaches(t *testing.T) {
	h := newManagerTestHarness()

	record, err := h.manager.StoreGrant(context.Background(), "principal-1", domain.TokenGrant{
		AccessToken:  "connect-token",
		RefreshToken: "connect-secret",
		Expiry:       h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, "connect-token", record.AccessToken)

	stored, err := h.store.Load(context.Background(), "principal-1")
	require.NoError(t, err)
	require.Equal(t, "connect-secret", stored.RefreshToken)
	require.Contains(t, h.cache.records, "principal-1")
}

// ---- Test harness and fakes ----

type managerTestHarness struct {
	manager   *Manager
	store     *memoryCredentialStore
	cache     *memoryCredentialCache
	issuer    *fakeIssuer
	authority *fakeAuthority
	now       time.Time

	mu    sync.Mutex
	sleep []time.Duration
}

func newManagerTestHarness() *managerTestHarness {
	h := &managerTestHarness{
		store:     &memoryCredentialStore{records: map[string]domain.CredentialRecord{}},
		cache:     &memoryCredentialCache{records: map[string]domain.CredentialRecord{}},
		issuer:    &fakeIssuer{secrets: map[string]string{}},
		authority: &fakeAuthority{},
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	cfg := config.Config{
		RefreshSafetyMargin:  30 * time.Minute,
		RefreshRetryAttempts: 3,
		RefreshRetryBase:     time.Second,
	}
	h.manager = NewManager(h.store, h.cache, h.issuer, h.authority, cfg, zap.NewNop())
	h.manager.now = func() time.Time { return h.now }
	h.manager.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleep = append(h.sleep, d)
		return nil
	}
	return h
}

func (h *managerTestHarness) slept() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleep...)
}

type memoryCredentialStore struct {
	mu      sync.Mutex
	records map[string]domain.CredentialRecord
}

func (s *memoryCredentialStore) save(record domain.CredentialRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.PrincipalID] = record
}

func (s *memoryCredentialStore) Load(ctx context.Context, principalID string) (domain.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[principalID]
	if !ok {
		return domain.CredentialRecord{}, domain.ErrCredentialNotFound
	}
	return record, nil
}

func (s *memoryCredentialStore) Save(ctx context.Context, record domain.CredentialRecord) error {
	s.save(record)
	return nil
}

func (s *memoryCredentialStore) Delete(ctx context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, principalID)
	return nil
}

func (s *memoryCredentialStore) ListPrincipals(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memoryCredentialStore) ListExpiring(ctx context.Context, cutoff time.Time) ([]domain.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiring []domain.CredentialRecord
	for _, record := range s.records {
		if record.AccessTokenExpiry.Before(cutoff) && !record.ReauthRequired {
			expiring = append(expiring, record)
		}
	}
	return expiring, nil
}

type memoryCredentialCache struct {
	mu      sync.Mutex
	records map[string]domain.CredentialRecord
}

func (c *memoryCredentialCache) Get(ctx context.Context, principalID string) (domain.CredentialRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[principalID]
	return record, ok, nil
}

func (c *memoryCredentialCache) Set(ctx context.Context, record domain.CredentialRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.PrincipalID] = record
	return nil
}

func (c *memoryCredentialCache) Delete(ctx context.Context, principalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, principalID)
	return nil
}

type fakeIssuer struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (f *fakeIssuer) OriginalRefreshSecret(ctx context.Context, principalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[principalID], nil
}

type fakeAuthority struct {
	mu        sync.Mutex
	calls     int
	failures  int
	failWith  error
	grant     *domain.TokenGrant
	delay     time.Duration
	revokeErr error
}

func (f *fakeAuthority) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	failWith := f.failWith
	grant := f.grant
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, failWith
	}
	copied := *grant
	return &copied, nil
}

func (f *fakeAuthority) Introspect(ctx context.Context, accessToken string) (bool, error) {
	return true, nil
}

func (f *fakeAuthority) Revoke(ctx context.Context, token string) error {
	return f.revokeErr
}

func (f *fakeAuthority) exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

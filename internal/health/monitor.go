package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/listing-automation/internal/adapter/oauth"
	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
	"github.com/smallbiznis/listing-automation/internal/repository"
)

// TokenRefresher is the slice of the token manager the monitor needs for
// recovery.
type TokenRefresher interface {
	Refresh(ctx context.Context, principalID string) (*domain.CredentialRecord, error)
}

// Status is the per-principal view exposed on the status API.
type Status struct {
	PrincipalID         string                 `json:"principal_id"`
	State               domain.ConnectionState `json:"state"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	MinutesUntilExpiry  int                    `json:"minutes_until_expiry"`
	LastCheckedAt       time.Time              `json:"last_checked_at"`
}

type principalHealth struct {
	state         domain.ConnectionState
	failures      int
	expiry        time.Time
	lastCheckedAt time.Time
}

// Monitor is the connection watchdog: on a fixed interval, independent of any
// job activity, it validates each principal's access token against the
// authority and drives one-shot recovery after repeated failures. This is
// what lets automation recover from transient outages during idle periods.
type Monitor struct {
	tokens    TokenRefresher
	authority oauth.AuthorityClient
	store     repository.CredentialRepository
	cfg       config.Config
	logger    *zap.Logger

	mu     sync.Mutex
	states map[string]*principalHealth

	now func() time.Time
}

// NewMonitor wires the health monitor.
func NewMonitor(
	tokens TokenRefresher,
	authority oauth.AuthorityClient,
	store repository.CredentialRepository,
	cfg config.Config,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		tokens:    tokens,
		authority: authority,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		states:    make(map[string]*principalHealth),
		now:       time.Now,
	}
}

// Run drives the watchdog loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	m.log().Info("health monitor started",
		zap.Duration("interval", m.cfg.HealthCheckInterval),
		zap.Int("failure_threshold", m.cfg.HealthFailureThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			m.log().Info("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll audits every known principal once. A failure for one principal
// never blocks the check of another.
func (m *Monitor) CheckAll(ctx context.Context) {
	principals, err := m.store.ListPrincipals(ctx)
	if err != nil {
		m.log().Error("list principals failed", zap.Error(err))
		return
	}
	for _, principalID := range principals {
		m.checkPrincipal(ctx, principalID)
	}
	m.prune(principals)
}

func (m *Monitor) checkPrincipal(ctx context.Context, principalID string) {
	record, err := m.store.Load(ctx, principalID)
	if err != nil {
		m.log().Warn("load credential for health check failed", zap.String("principal_id", principalID), zap.Error(err))
		return
	}

	h := m.health(principalID)
	now := m.now()

	valid := false
	if record.AccessToken != "" && !record.Expired(now) {
		valid, err = m.authority.Introspect(ctx, record.AccessToken)
		if err != nil {
			m.log().Warn("introspection failed", zap.String("principal_id", principalID), zap.Error(err))
			valid = false
		}
	}

	m.mu.Lock()
	h.lastCheckedAt = now
	h.expiry = record.AccessTokenExpiry
	if valid {
		// A live token also clears a previous terminal verdict: the owner
		// must have re-authorized out of band.
		h.failures = 0
		if record.ExpiresWithin(now, m.cfg.RefreshSafetyMargin) {
			h.state = domain.StateExpiringSoon
		} else {
			h.state = domain.StateHealthy
		}
		m.mu.Unlock()
		return
	}

	if h.state == domain.StateNeedsReconnect {
		m.mu.Unlock()
		return
	}

	h.failures++
	failures := h.failures
	h.state = domain.StateFailed
	m.mu.Unlock()

	m.log().Warn("health check failed",
		zap.String("principal_id", principalID),
		zap.Int("consecutive_failures", failures),
	)

	if failures >= m.cfg.HealthFailureThreshold {
		m.recover(ctx, principalID, h)
	}
}

// recover runs the one-shot recovery ladder: refresh, then reload from the
// durable store (another instance may have refreshed), then give up and mark
// the terminal, user-visible NeedsManualReconnection state.
func (m *Monitor) recover(ctx context.Context, principalID string, h *principalHealth) {
	m.setState(h, domain.StateRefreshing)

	if record, err := m.tokens.Refresh(ctx, principalID); err == nil {
		m.resetHealthy(h, record.AccessTokenExpiry)
		m.log().Info("health recovery via refresh", zap.String("principal_id", principalID))
		return
	} else if !domain.IsTerminalAuth(err) {
		if record, loadErr := m.store.Load(ctx, principalID); loadErr == nil && !record.Expired(m.now()) {
			m.resetHealthy(h, record.AccessTokenExpiry)
			m.log().Info("health recovery via store reload", zap.String("principal_id", principalID))
			return
		}
	}

	m.setState(h, domain.StateNeedsReconnect)
	m.log().Error("principal needs manual reconnection", zap.String("principal_id", principalID))
}

// MarkReconnectRequired records a terminal auth verdict observed elsewhere
// (the scheduler hit NeedsReauthorization mid-job).
func (m *Monitor) MarkReconnectRequired(principalID string) {
	h := m.health(principalID)
	m.setState(h, domain.StateNeedsReconnect)
}

// StateOf returns the current state for one principal.
func (m *Monitor) StateOf(principalID string) domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.states[principalID]; ok {
		return h.state
	}
	return domain.StateUnknown
}

// Statuses returns a snapshot for the status API, sorted by principal.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	statuses := make([]Status, 0, len(m.states))
	for principalID, h := range m.states {
		minutes := 0
		if !h.expiry.IsZero() {
			minutes = int(h.expiry.Sub(now).Minutes())
		}
		statuses = append(statuses, Status{
			PrincipalID:         principalID,
			State:               h.state,
			ConsecutiveFailures: h.failures,
			MinutesUntilExpiry:  minutes,
			LastCheckedAt:       h.lastCheckedAt,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].PrincipalID < statuses[j].PrincipalID })
	return statuses
}

func (m *Monitor) health(principalID string) *principalHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.states[principalID]
	if !ok {
		h = &principalHealth{state: domain.StateUnknown}
		m.states[principalID] = h
	}
	return h
}

func (m *Monitor) setState(h *principalHealth, state domain.ConnectionState) {
	m.mu.Lock()
	h.state = state
	m.mu.Unlock()
}

func (m *Monitor) resetHealthy(h *principalHealth, expiry time.Time) {
	m.mu.Lock()
	h.state = domain.StateHealthy
	h.failures = 0
	h.expiry = expiry
	m.mu.Unlock()
}

// prune drops state for principals that disconnected.
func (m *Monitor) prune(known []string) {
	keep := make(map[string]struct{}, len(known))
	for _, id := range known {
		keep[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.states {
		if _, ok := keep[id]; !ok {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}

package token

import (
	"context"
	"errors"

	"github.com/smallbiznis/listing-automation/internal/domain"
	"github.com/smallbiznis/listing-automation/internal/repository"
)

// CredentialCache is the fast local hop in front of the durable store.
type CredentialCache interface {
	Get(ctx context.Context, principalID string) (domain.CredentialRecord, bool, error)
	Set(ctx context.Context, record domain.CredentialRecord) error
	Delete(ctx context.Context, principalID string) error
}

// CredentialSource yields a refresh secret for a principal. Sources are tried
// in order until one yields a usable secret; an empty secret with a nil error
// means "not here, try the next one".
type CredentialSource interface {
	Name() string
	RefreshSecret(ctx context.Context, principalID string) (string, error)
}

// Issuer is the component that originally authorized the credential; the
// last-resort source queries it when neither cache nor store has a secret.
type Issuer interface {
	OriginalRefreshSecret(ctx context.Context, principalID string) (string, error)
}

// CacheSource reads the refresh secret from the credential cache.
type CacheSource struct {
	cache CredentialCache
}

func NewCacheSource(cache CredentialCache) *CacheSource {
	return &CacheSource{cache: cache}
}

func (s *CacheSource) Name() string { return "cache" }

func (s *CacheSource) RefreshSecret(ctx context.Context, principalID string) (string, error) {
	if s.cache == nil {
		return "", nil
	}
	record, found, err := s.cache.Get(ctx, principalID)
	if err != nil || !found {
		// Cache trouble never blocks refresh; the durable store is next.
		return "", nil
	}
	return record.RefreshToken, nil
}

// StoreSource reads the refresh secret from the durable credential store.
type StoreSource struct {
	store repository.CredentialRepository
}

func NewStoreSource(store repository.CredentialRepository) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) RefreshSecret(ctx context.Context, principalID string) (string, error) {
	record, err := s.store.Load(ctx, principalID)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return "", nil
		}
		return "", err
	}
	return record.RefreshToken, nil
}

// IssuerSource queries the original issuer as a last resort. It is optional;
// a nil issuer simply never yields a secret.
type IssuerSource struct {
	issuer Issuer
}

func NewIssuerSource(issuer Issuer) *IssuerSource {
	return &IssuerSource{issuer: issuer}
}

func (s *IssuerSource) Name() string { return "issuer" }

func (s *IssuerSource) RefreshSecret(ctx context.Context, principalID string) (string, error) {
	if s.issuer == nil {
		return "", nil
	}
	return s.issuer.OriginalRefreshSecret(ctx, principalID)
}

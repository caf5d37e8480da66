package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
)

// AuthorityClient encapsulates outbound HTTP calls to the external
// authorization authority (token endpoint, introspection, revocation).
type AuthorityClient interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	Introspect(ctx context.Context, accessToken string) (bool, error)
	Revoke(ctx context.Context, token string) error
}

// HTTPAuthorityClient is the default HTTP implementation. Errors are
// classified: an authority rejection of the refresh secret itself is
// terminal, network failures / 5xx / 429 are retryable.
type HTTPAuthorityClient struct {
	httpClient *http.Client
	cfg        config.Config
}

var _ AuthorityClient = (*HTTPAuthorityClient)(nil)

// NewHTTPAuthorityClient constructs the default AuthorityClient.
func NewHTTPAuthorityClient(client *http.Client, cfg config.Config) *HTTPAuthorityClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthorityClient{httpClient: client, cfg: cfg}
}

// ExchangeRefreshToken trades the long-lived refresh secret for a fresh
// access token.
func (c *HTTPAuthorityClient) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, domain.ErrReauthorizationRequired
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.cfg.AuthorityClientID)
	if c.cfg.AuthorityClientSecret != "" {
		data.Set("client_secret", c.cfg.AuthorityClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthorityTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("token exchange request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return nil, classifyTokenError(resp.StatusCode, body)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	grant := &domain.TokenGrant{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		Scope:        stringValue(raw["scope"]),
		TokenType:    stringValue(raw["token_type"]),
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	now := time.Now().UTC()
	if exp := int64Value(raw["expires_in"]); exp > 0 {
		grant.Expiry = now.Add(time.Duration(exp) * time.Second)
	} else if claim := jwtExpiry(grant.AccessToken); !claim.IsZero() {
		// Some authorities omit expires_in and only carry exp inside a JWT
		// access token.
		grant.Expiry = claim
	}

	return grant, nil
}

// Introspect asks the authority whether the access token is still valid.
func (c *HTTPAuthorityClient) Introspect(ctx context.Context, accessToken string) (bool, error) {
	if strings.TrimSpace(c.cfg.AuthorityIntrospectURL) == "" {
		return false, fmt.Errorf("introspection url missing")
	}

	data := url.Values{}
	data.Set("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthorityIntrospectURL, strings.NewReader(data.Encode()))
	if err != nil {
		return false, fmt.Errorf("build introspect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AuthorityClientID, c.cfg.AuthorityClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, domain.Retryable(fmt.Errorf("introspect request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, domain.Retryable(fmt.Errorf("read introspect response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return false, domain.Retryable(fmt.Errorf("introspect failed: status=%d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("introspect failed: status=%d", resp.StatusCode)
	}

	var payload struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("decode introspect response: %w", err)
	}
	return payload.Active, nil
}

// Revoke notifies the authority that the token should be invalidated.
// Callers treat this as best effort.
func (c *HTTPAuthorityClient) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(c.cfg.AuthorityRevokeURL) == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthorityRevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AuthorityClientID, c.cfg.AuthorityClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
	}
	return nil
}

// classifyTokenError maps a token-endpoint failure onto the terminal vs
// retryable taxonomy. A 4xx with invalid_grant means the refresh secret
// itself was rejected; retrying cannot help.
func classifyTokenError(status int, body []byte) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return domain.Retryable(fmt.Errorf("token exchange failed: status=%d", status))
	}

	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)
	switch payload.Error {
	case "invalid_grant", "invalid_token", "unauthorized_client":
		return fmt.Errorf("%s: %w", payload.Error, domain.ErrReauthorizationRequired)
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("token exchange rejected (status=%d): %w", status, domain.ErrReauthorizationRequired)
	}
	return domain.Retryable(fmt.Errorf("token exchange failed: status=%d", status))
}

var allowedJWTAlgorithms = []gojose.SignatureAlgorithm{
	gojose.RS256, gojose.RS384, gojose.RS512,
	gojose.ES256, gojose.ES384, gojose.ES512,
	gojose.HS256,
}

// jwtExpiry extracts the exp claim from a JWT-shaped access token without
// verifying the signature; the authority remains the source of truth, this
// only recovers an expiry the response body omitted.
func jwtExpiry(accessToken string) time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return time.Time{}
	}
	parsed, err := gojwt.ParseSigned(accessToken, allowedJWTAlgorithms)
	if err != nil {
		return time.Time{}
	}
	var claims gojwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}
	}
	if claims.Expiry == nil {
		return time.Time{}
	}
	return claims.Expiry.Time().UTC()
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

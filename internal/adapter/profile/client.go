package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
)

// Client is the action executor: outbound calls against the external
// business-profile API performed on behalf of a principal.
type Client interface {
	CreatePost(ctx context.Context, accessToken, resourceID, body string) error
	ListUnansweredReviews(ctx context.Context, accessToken, resourceID string) ([]domain.Review, error)
	Reply(ctx context.Context, accessToken, resourceID, reviewID, text string) error
}

// HTTPClient is the default implementation. Every call waits on a shared
// rate limiter so concurrent automation jobs stay inside the external API
// budget.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the profile API client.
func NewHTTPClient(client *http.Client, cfg config.Config) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	rpm := cfg.ProfileAPIRateRPM
	if rpm <= 0 {
		rpm = 300
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		httpClient: client,
		baseURL:    strings.TrimRight(cfg.ProfileAPIBaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
	}
}

// CreatePost publishes a local post on the resource's listing.
func (c *HTTPClient) CreatePost(ctx context.Context, accessToken, resourceID, body string) error {
	payload, err := json.Marshal(map[string]string{"summary": body})
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	endpoint := fmt.Sprintf("%s/locations/%s/localPosts", c.baseURL, url.PathEscape(resourceID))
	_, err = c.do(ctx, http.MethodPost, endpoint, accessToken, payload)
	return err
}

// ListUnansweredReviews returns reviews on the resource without an owner
// reply.
func (c *HTTPClient) ListUnansweredReviews(ctx context.Context, accessToken, resourceID string) ([]domain.Review, error) {
	endpoint := fmt.Sprintf("%s/locations/%s/reviews?filter=unanswered", c.baseURL, url.PathEscape(resourceID))
	respBody, err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Reviews []struct {
			ReviewID   string    `json:"reviewId"`
			StarRating int       `json:"starRating"`
			Comment    string    `json:"comment"`
			Reviewer   string    `json:"reviewer"`
			CreateTime time.Time `json:"createTime"`
		} `json:"reviews"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("decode reviews: %w", err)
	}

	reviews := make([]domain.Review, 0, len(payload.Reviews))
	for _, r := range payload.Reviews {
		reviews = append(reviews, domain.Review{
			ReviewID:   r.ReviewID,
			ResourceID: resourceID,
			Rating:     r.StarRating,
			Comment:    r.Comment,
			Author:     r.Reviewer,
			CreatedAt:  r.CreateTime,
		})
	}
	return reviews, nil
}

// Reply posts an owner reply on the review.
func (c *HTTPClient) Reply(ctx context.Context, accessToken, resourceID, reviewID, text string) error {
	payload, err := json.Marshal(map[string]string{"comment": text})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	endpoint := fmt.Sprintf("%s/locations/%s/reviews/%s/reply", c.baseURL, url.PathEscape(resourceID), url.PathEscape(reviewID))
	_, err = c.do(ctx, http.MethodPut, endpoint, accessToken, payload)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint, accessToken string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("%s %s: %w", method, endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode)
	}
	return body, nil
}

// classifyStatus maps a profile API failure onto the terminal vs retryable
// taxonomy: auth rejections require the owner to reconnect, a 404 means the
// resource was deleted upstream, everything transient is retried.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("profile api status=%d: %w", status, domain.ErrReauthorizationRequired)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("profile api status=%d: %w", status, domain.ErrResourceGone)
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.Retryable(fmt.Errorf("profile api status=%d", status))
	default:
		return fmt.Errorf("profile api status=%d", status)
	}
}

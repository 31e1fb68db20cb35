package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// AllowChecker validates outbound URLs against the download allow-list.
type AllowChecker interface {
	IsAllowed(rawURL string) (allowed bool, reason string)
}

// CoverBindings stores the background image bound to one access token.
type CoverBindings interface {
	Get(ctx context.Context, token string) (string, error)
	Set(ctx context.Context, token, coverURL string, ttl time.Duration) error
}

// CoverService picks the still image looped behind a track. lite_video mode
// binds one random background per access token so every track of a session
// shares the same backdrop; the binding lives as long as the token does.
type CoverService struct {
	bindings CoverBindings
	guard    AllowChecker
	client   *http.Client
	apiURL   string
	fallback string
	logger   *slog.Logger
}

func NewCoverService(bindings CoverBindings, guard AllowChecker, apiURL string, timeout time.Duration, fallback string, logger *slog.Logger) *CoverService {
	return &CoverService{
		bindings: bindings,
		guard:    guard,
		client: &http.Client{
			Timeout: timeout,
			// The background API answers with a redirect to the actual
			// image; the Location is the value to bind, not follow.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		apiURL:   apiURL,
		fallback: fallback,
		logger:   logger,
	}
}

// BackgroundForToken returns the background image bound to token, binding a
// fresh one when none exists. Failures degrade to the fallback cover.
func (s *CoverService) BackgroundForToken(ctx context.Context, token string, ttl time.Duration) string {
	if bound, err := s.bindings.Get(ctx, token); err == nil && bound != "" {
		return bound
	}

	cover := s.fetchRandom(ctx)
	if allowed, reason := s.guard.IsAllowed(cover); !allowed {
		s.logger.Warn("background image rejected", "url", cover, "reason", reason)
		cover = s.fallback
	}
	if err := s.bindings.Set(ctx, token, cover, ttl); err != nil {
		s.logger.Warn("background binding write failed", "error", err)
	}
	return cover
}

func (s *CoverService) fetchRandom(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return s.fallback
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("background API unreachable", "error", err)
		return s.fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return s.fallback
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return s.fallback
	}
	target, err := url.Parse(location)
	if err != nil {
		return s.fallback
	}
	return resp.Request.URL.ResolveReference(target).String()
}

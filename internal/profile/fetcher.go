// Package profile fetches sender profiles from the platforms' REST APIs.
// Strictly best effort: the ingestion path never waits on these calls
// succeeding.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// Base URLs are vars so tests can point them at an httptest.Server.
var (
	graphAPIBaseURL = "https://graph.facebook.com/v18.0"
	lineAPIBaseURL  = "https://api.line.me"
)

// ErrUnsupported means the platform exposes no profile endpoint.
var ErrUnsupported = errors.New("profile: platform has no profile API")

// Fetcher resolves external user ids to display profiles.
type Fetcher struct {
	cfg    *config.Config
	client *http.Client
}

func NewFetcher(cfg *config.Config) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *Fetcher) FetchProfile(ctx context.Context, p models.Platform, externalUserID string) (*models.Profile, error) {
	switch p {
	case models.PlatformFacebook:
		return f.fetchGraph(ctx, externalUserID)
	case models.PlatformLine:
		return f.fetchLine(ctx, externalUserID)
	default:
		// WhatsApp carries the sender name inline in its webhook contacts;
		// there is nothing extra to fetch.
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, p)
	}
}

// fetchGraph looks up a page-scoped user via the Graph API.
func (f *Fetcher) fetchGraph(ctx context.Context, psid string) (*models.Profile, error) {
	if f.cfg.Facebook.AccessToken == "" {
		return nil, fmt.Errorf("profile: no facebook access token configured")
	}
	u := fmt.Sprintf("%s/%s?fields=name,profile_pic,locale&access_token=%s",
		graphAPIBaseURL, url.PathEscape(psid), url.QueryEscape(f.cfg.Facebook.AccessToken))

	var body struct {
		Name       string `json:"name"`
		ProfilePic string `json:"profile_pic"`
		Locale     string `json:"locale"`
	}
	if err := f.getJSON(ctx, u, "", &body); err != nil {
		return nil, err
	}
	return &models.Profile{
		DisplayName: body.Name,
		AvatarURL:   body.ProfilePic,
		Locale:      body.Locale,
	}, nil
}

// fetchLine looks up a user via the LINE bot profile endpoint.
func (f *Fetcher) fetchLine(ctx context.Context, userID string) (*models.Profile, error) {
	if f.cfg.Line.ChannelToken == "" {
		return nil, fmt.Errorf("profile: no line channel token configured")
	}
	u := fmt.Sprintf("%s/v2/bot/profile/%s", lineAPIBaseURL, url.PathEscape(userID))

	var body struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
		Language    string `json:"language"`
	}
	if err := f.getJSON(ctx, u, "Bearer "+f.cfg.Line.ChannelToken, &body); err != nil {
		return nil, err
	}
	return &models.Profile{
		DisplayName: body.DisplayName,
		AvatarURL:   body.PictureURL,
		Locale:      body.Language,
	}, nil
}

func (f *Fetcher) getJSON(ctx context.Context, url, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("profile: create request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("profile: http call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("profile: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("profile: decode response: %w", err)
	}
	return nil
}

// SetGraphBaseURL overrides the Graph API base. Only call this from tests.
func SetGraphBaseURL(url string) { graphAPIBaseURL = url }

// SetLineBaseURL overrides the LINE API base. Only call this from tests.
func SetLineBaseURL(url string) { lineAPIBaseURL = url }

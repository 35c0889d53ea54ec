package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource provides a bearer token for per-request authentication.
// Implementations handle caching and refreshing transparently. The kimi
// adapter accepts one via its WithTokenSource option; the glm adapter
// takes only a static API key.
type TokenSource interface {
	// Token returns a valid bearer token.
	// It may cache tokens and refresh them as needed.
	Token(ctx context.Context) (string, error)
}

// DeviceTokenSource adapts an oauth2.TokenSource obtained through the
// OAuth 2.0 device authorization grant (RFC 8628) to the TokenSource
// interface providers expect. The oauth2 package does the actual caching
// and refresh work; this type just narrows Token() to a bare string.
type DeviceTokenSource struct {
	ts oauth2.TokenSource
}

// NewDeviceAuthorization starts the device authorization flow against cfg
// and blocks until the user completes it (or ctx is cancelled). prompt is
// called once with the verification URL and user code so the caller can
// surface it (CLI banner, admin UI notice, log line).
//
// On success it returns a DeviceTokenSource backed by oauth2's own
// ReuseTokenSource, which refreshes the access token automatically via
// cfg.TokenSource whenever it is close to expiry.
func NewDeviceAuthorization(ctx context.Context, cfg *oauth2.Config, prompt func(verificationURI, userCode string)) (*DeviceTokenSource, error) {
	resp, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}

	if prompt != nil {
		prompt(resp.VerificationURI, resp.UserCode)
	}

	tok, err := cfg.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("poll device access token: %w", err)
	}

	slog.Info("device authorization complete", "token_type", tok.TokenType)

	return &DeviceTokenSource{ts: cfg.TokenSource(ctx, tok)}, nil
}

// NewStaticDeviceTokenSource wraps an already-issued refresh token (e.g.
// one persisted from a prior device-authorization run) without running the
// interactive flow again.
func NewStaticDeviceTokenSource(ctx context.Context, cfg *oauth2.Config, refreshToken string) *DeviceTokenSource {
	tok := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now()}
	return &DeviceTokenSource{ts: cfg.TokenSource(ctx, tok)}
}

func (d *DeviceTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := d.ts.Token()
	if err != nil {
		return "", fmt.Errorf("refresh device token: %w", err)
	}

	return tok.AccessToken, nil
}

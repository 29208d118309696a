package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// googleTokenInfoURL validates Google ID tokens server-side.
const googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// ErrGoogleTokenRejected is returned when Google refuses the ID token or it
// was issued for a different client.
var ErrGoogleTokenRejected = errors.New("google id token rejected")

// GoogleUser is the verified identity extracted from a Google ID token.
type GoogleUser struct {
	Email   string
	Subject string
	Name    string
}

// GoogleVerifier verifies Google sign-in ID tokens.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (GoogleUser, error)
}

// TokenInfoVerifier verifies ID tokens against Google's tokeninfo endpoint.
type TokenInfoVerifier struct {
	clientID string
	httpc    *http.Client
	endpoint string
}

// NewTokenInfoVerifier creates a verifier bound to the given OAuth client ID.
func NewTokenInfoVerifier(clientID string) *TokenInfoVerifier {
	return &TokenInfoVerifier{
		clientID: clientID,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		endpoint: googleTokenInfoURL,
	}
}

type tokenInfo struct {
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify implements GoogleVerifier.
func (v *TokenInfoVerifier) Verify(ctx context.Context, idToken string) (GoogleUser, error) {
	endpoint := v.endpoint + "?id_token=" + url.QueryEscape(idToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return GoogleUser{}, err
	}

	resp, err := v.httpc.Do(req)
	if err != nil {
		return GoogleUser{}, fmt.Errorf("verify google token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return GoogleUser{}, ErrGoogleTokenRejected
	}

	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return GoogleUser{}, fmt.Errorf("decode tokeninfo response: %w", err)
	}

	if v.clientID != "" && info.Aud != v.clientID {
		return GoogleUser{}, fmt.Errorf("%w: audience mismatch", ErrGoogleTokenRejected)
	}
	if info.Email == "" || info.EmailVerified != "true" {
		return GoogleUser{}, fmt.Errorf("%w: unverified email", ErrGoogleTokenRejected)
	}

	return GoogleUser{
		Email:   info.Email,
		Subject: info.Sub,
		Name:    info.Name,
	}, nil
}

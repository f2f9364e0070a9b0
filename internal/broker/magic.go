package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// magicAdapter issues and verifies passwordless email codes through an
// external broker's REST API. This service never generates, stores, or
// emails the code itself — the code is broker-issued and broker-verified,
// matching the pattern the other two adapters follow for authentication
// state they don't own either.
type magicAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewMagicAdapter constructs the magic-code adapter. baseURL and apiKey
// identify the external broker account; httpClient should carry the same
// call timeout as the OIDC/SAML adapters.
func NewMagicAdapter(baseURL, apiKey string, timeout time.Duration) Adapter {
	return &magicAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *magicAdapter) AuthorizationURL(ctx context.Context, p AuthorizationURLParams) (string, error) {
	return "", fmt.Errorf("magic adapter does not support authorization urls")
}

func (a *magicAdapter) ExchangeCode(ctx context.Context, code string) (*Profile, error) {
	return nil, fmt.Errorf("magic adapter does not support code exchange")
}

func (a *magicAdapter) CreateMagicAuth(ctx context.Context, email string) error {
	body, _ := json.Marshal(map[string]string{"email": email})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/magic_auth", bytes.NewReader(body))
	if err != nil {
		return wrapUpstream("magic_auth", err)
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return wrapUpstream("magic_auth", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return wrapUpstream("magic_auth", fmt.Errorf("broker returned %d", resp.StatusCode))
	}
	// 4xx (e.g. unknown email) is swallowed by design: the caller always
	// reports success to avoid leaking account existence (§9).
	return nil
}

func (a *magicAdapter) AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, ua string) (*MagicAuthResult, error) {
	payload := map[string]string{"email": email, "code": code}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/magic_auth/authenticate", bytes.NewReader(body))
	if err != nil {
		return nil, wrapUpstream("magic_auth", err)
	}
	a.setHeaders(req)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("X-Original-User-Agent", ua)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, wrapUpstream("magic_auth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return nil, nil // invalid/expired code; orchestrator maps nil,nil to invalid_code
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wrapUpstream("magic_auth", fmt.Errorf("broker returned %d", resp.StatusCode))
	}

	var out struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, wrapUpstream("magic_auth", err)
	}
	return &MagicAuthResult{Email: out.Email, FirstName: out.FirstName, LastName: out.LastName}, nil
}

func (a *magicAdapter) VerifyWebhook(rawBody []byte, signatureHeader string) (*WebhookEvent, error) {
	return nil, fmt.Errorf("magic adapter does not handle webhooks")
}

func (a *magicAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

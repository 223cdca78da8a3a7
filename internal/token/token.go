// Package token exchanges the long-lived provider API key for short-lived
// realtime session credentials.
//
// Browser clients must never see the real API key, so they request an
// ephemeral client secret from this endpoint and use that to reach the
// provider directly. The secret is returned as an opaque string; its format
// and lifetime belong to the provider.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultMintURL = "https://api.openai.com/v1/realtime/sessions"

// Option is a functional option for configuring a Minter.
type Option func(*Minter)

// WithMintURL overrides the provider endpoint. Primarily used in tests to
// point at a local mock server.
func WithMintURL(url string) Option {
	return func(m *Minter) { m.mintURL = url }
}

// WithHTTPClient replaces the HTTP client used for the exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Minter) { m.httpClient = c }
}

// WithLogger sets the logger mint failures are reported to.
func WithLogger(log *slog.Logger) Option {
	return func(m *Minter) { m.log = log }
}

// Minter performs the key-for-secret exchange against the provider.
type Minter struct {
	apiKey     string
	model      string
	voice      string
	mintURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewMinter creates a Minter that requests sessions for the given model and
// voice.
func NewMinter(apiKey, model, voice string, opts ...Option) *Minter {
	m := &Minter{
		apiKey:  apiKey,
		model:   model,
		voice:   voice,
		mintURL: defaultMintURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// mintRequest is the JSON payload sent to the provider.
type mintRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// mintResponse is the subset of the provider reply the relay cares about.
type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Credential is a short-lived session secret.
type Credential struct {
	// Token is the opaque client secret.
	Token string `json:"token"`

	// ExpiresAt is the provider's expiry timestamp, Unix seconds.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Mint requests one ephemeral session credential from the provider.
func (m *Minter) Mint(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(mintRequest{Model: m.model, Voice: m.voice})
	if err != nil {
		return Credential{}, fmt.Errorf("token: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.mintURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token: mint request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Credential{}, fmt.Errorf("token: provider returned %d: %s", resp.StatusCode, payload)
	}

	var parsed mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credential{}, fmt.Errorf("token: decode response: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return Credential{}, fmt.Errorf("token: provider reply carried no client secret")
	}

	return Credential{
		Token:     parsed.ClientSecret.Value,
		ExpiresAt: parsed.ClientSecret.ExpiresAt,
	}, nil
}

// Handler serves the credential endpoint. POST only.
type Handler struct {
	minter *Minter
	log    *slog.Logger
}

// NewHandler wraps m in an HTTP handler.
func NewHandler(m *Minter) *Handler {
	return &Handler{minter: m, log: m.log}
}

// ServeHTTP mints one credential per request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cred, err := h.minter.Mint(r.Context())
	if err != nil {
		h.log.Error("credential mint failed", "error", err)
		http.Error(w, "credential provisioning unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cred); err != nil {
		h.log.Warn("writing credential response failed", "error", err)
	}
}

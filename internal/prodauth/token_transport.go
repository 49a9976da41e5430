package prodauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTokenTimeout = 30 * time.Second
	maxResponseSize     = 1 << 20 // 1MB limit for token responses
	maxExpiresIn        = math.MaxInt64 / int64(time.Second)
	tracerName          = "product-auth"
)

// TokenResponse is a successfully parsed token endpoint response.
type TokenResponse struct {
	AccessToken string
	ExpiresIn   int64
	TokenType   string
}

// TokenTransport exchanges a credential for a token.
type TokenTransport interface {
	FetchToken(ctx context.Context, cred Credential) (*TokenResponse, error)
}

type tokenRequest struct {
	Audience     string `json:"audience"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// HTTPTokenTransport posts client-credentials exchanges as JSON.
type HTTPTokenTransport struct {
	httpClient *http.Client
	tracer     trace.Tracer
}

type HTTPTokenTransportOptions struct {
	HTTPClient     *http.Client
	Timeout        time.Duration // used only when HTTPClient is nil
	TracerProvider trace.TracerProvider
}

func NewHTTPTokenTransport(opts HTTPTokenTransportOptions) *HTTPTokenTransport {
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTokenTimeout
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &HTTPTokenTransport{
		httpClient: opts.HTTPClient,
		tracer:     opts.TracerProvider.Tracer(tracerName),
	}
}

// FetchToken either returns a complete response or a *TransportError.
func (t *HTTPTokenTransport) FetchToken(ctx context.Context, cred Credential) (*TokenResponse, error) {
	ctx, span := t.tracer.Start(ctx, "token.exchange")
	defer span.End()
	span.SetAttributes(
		attribute.String("oauth.audience", cred.Audience),
		attribute.String("oauth.client_id", cred.ClientID),
	)

	resp, err := t.exchange(ctx, cred)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", te.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("oauth.expires_in", resp.ExpiresIn))
	return resp, nil
}

func (t *HTTPTokenTransport) exchange(ctx context.Context, cred Credential) (*TokenResponse, error) {
	fail := func(status int, cause error) error {
		return &TransportError{URL: cred.AuthURL, StatusCode: status, Cause: cause}
	}

	body, err := json.Marshal(tokenRequest{
		Audience:     cred.Audience,
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
	})
	if err != nil {
		return nil, fail(0, fmt.Errorf("marshal token request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.AuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, fail(0, fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(truncate(data, 512)))
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status %s: %s", resp.Status, msg))
	}
	if len(data) > maxResponseSize {
		return nil, fail(resp.StatusCode, errors.New("token response exceeds size limit"))
	}

	var tokenResp struct {
		AccessToken string       `json:"access_token"`
		ExpiresIn   *json.Number `json:"expires_in"`
		TokenType   string       `json:"token_type"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("decode token response: %w", err))
	}
	if tokenResp.AccessToken == "" {
		return nil, fail(resp.StatusCode, errors.New("token response missing access_token"))
	}
	if tokenResp.ExpiresIn == nil {
		return nil, fail(resp.StatusCode, errors.New("token response missing expires_in"))
	}
	expiresIn, err := tokenResp.ExpiresIn.Int64()
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("token response expires_in: %w", err))
	}
	if expiresIn <= 0 {
		return nil, fail(resp.StatusCode, fmt.Errorf("token response expires_in must be positive, got %d", expiresIn))
	}
	if expiresIn > maxExpiresIn {
		return nil, fail(resp.StatusCode, fmt.Errorf("token response expires_in %d is out of range", expiresIn))
	}

	return &TokenResponse{
		AccessToken: tokenResp.AccessToken,
		ExpiresIn:   expiresIn,
		TokenType:   tokenResp.TokenType,
	}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

package prodauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
)

const authorizationHeader = "Authorization"

// Mode names an authentication strategy.
type Mode string

const (
	ModeJWT   Mode = "jwt"
	ModeBasic Mode = "basic"
	ModeNone  Mode = "none"
)

// Header is a single authorization header. The zero value means no header.
type Header struct {
	Name  string
	Value string
}

func (h Header) IsZero() bool { return h.Name == "" }

// Authentication supplies the authorization header for a product. Callers
// do not need to know which strategy is behind it.
type Authentication interface {
	TokenHeader(ctx context.Context, product Product) (Header, error)
	Mode() Mode
}

// ApplyHeader sets the header of product on req, if the strategy produces one.
func ApplyHeader(ctx context.Context, auth Authentication, product Product, req *http.Request) error {
	h, err := auth.TokenHeader(ctx, product)
	if err != nil {
		return err
	}
	if !h.IsZero() {
		req.Header.Set(h.Name, h.Value)
	}
	return nil
}

// JWTAuthentication serves bearer tokens obtained through the client
// credentials flow.
type JWTAuthentication struct {
	cache   *TokenCache
	metrics *Metrics
}

func NewJWTAuthentication(cache *TokenCache) *JWTAuthentication {
	return &JWTAuthentication{cache: cache, metrics: cache.metrics}
}

func (a *JWTAuthentication) TokenHeader(ctx context.Context, product Product) (Header, error) {
	value, err := a.cache.Header(ctx, product)
	a.metrics.RecordHeader(product, ModeJWT, err)
	if err != nil {
		return Header{}, err
	}
	return Header{Name: authorizationHeader, Value: value}, nil
}

func (*JWTAuthentication) Mode() Mode { return ModeJWT }

// Cache exposes the underlying token cache, e.g. for credential reloads.
func (a *JWTAuthentication) Cache() *TokenCache { return a.cache }

// BasicCredential is a static username/password pair.
type BasicCredential struct {
	Username string
	Password string
}

// BasicAuthentication serves precomputed basic-auth headers. It never
// touches the network and nothing expires.
type BasicAuthentication struct {
	metrics *Metrics

	mu      sync.RWMutex
	headers map[Product]string
}

func NewBasicAuthentication(creds map[Product]BasicCredential, metrics *Metrics) (*BasicAuthentication, error) {
	if metrics == nil {
		metrics = NopMetrics()
	}
	a := &BasicAuthentication{metrics: metrics}
	if err := a.Replace(creds); err != nil {
		return nil, err
	}
	return a, nil
}

// Replace swaps the whole product table, e.g. after a configuration reload.
func (a *BasicAuthentication) Replace(creds map[Product]BasicCredential) error {
	headers := make(map[Product]string, len(creds))
	for product, cred := range creds {
		if cred.Username == "" {
			return newConfigError(product, "username", "is required")
		}
		if cred.Password == "" {
			return newConfigError(product, "password", "is required")
		}
		headers[product] = basicHeaderValue(cred.Username, cred.Password)
	}

	a.mu.Lock()
	a.headers = headers
	a.mu.Unlock()
	return nil
}

func (a *BasicAuthentication) TokenHeader(_ context.Context, product Product) (Header, error) {
	a.mu.RLock()
	value, ok := a.headers[product]
	a.mu.RUnlock()

	if !ok {
		err := &NotConfiguredError{Product: product}
		a.metrics.RecordHeader(product, ModeBasic, err)
		return Header{}, err
	}
	a.metrics.RecordHeader(product, ModeBasic, nil)
	return Header{Name: authorizationHeader, Value: value}, nil
}

func (*BasicAuthentication) Mode() Mode { return ModeBasic }

func basicHeaderValue(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// NoopAuthentication is used when no authentication is configured.
type NoopAuthentication struct{}

func (NoopAuthentication) TokenHeader(context.Context, Product) (Header, error) {
	return Header{}, nil
}

func (NoopAuthentication) Mode() Mode { return ModeNone }

var (
	_ Authentication = (*JWTAuthentication)(nil)
	_ Authentication = (*BasicAuthentication)(nil)
	_ Authentication = NoopAuthentication{}
)

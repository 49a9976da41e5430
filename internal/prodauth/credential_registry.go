package prodauth

import (
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Credential is the OAuth client-credentials tuple of one product.
type Credential struct {
	ClientID     string
	ClientSecret string
	Audience     string
	AuthURL      string
}

// Validate checks the fields a token exchange cannot do without.
func (c Credential) Validate(product Product) error {
	if strings.TrimSpace(c.ClientID) == "" {
		return newConfigError(product, "client_id", "is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return newConfigError(product, "client_secret", "is required")
	}
	if strings.TrimSpace(c.AuthURL) == "" {
		return newConfigError(product, "auth_url", "is required")
	}
	u, err := url.Parse(c.AuthURL)
	if err != nil {
		return &ConfigurationError{Product: product, Field: "auth_url", Message: "is not a valid URL", Cause: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newConfigError(product, "auth_url", "must be an absolute http(s) URL")
	}
	return nil
}

// CredentialRegistry maps products to their credentials. It is normally
// populated once at startup; re-registration is allowed for config reloads.
type CredentialRegistry struct {
	mu    sync.RWMutex
	creds map[Product]Credential
}

func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{creds: make(map[Product]Credential)}
}

// AddProduct inserts or overwrites the credential for product.
func (r *CredentialRegistry) AddProduct(product Product, cred Credential) error {
	_, err := r.Swap(product, cred)
	return err
}

// Swap stores cred for product and reports whether it replaced a different
// credential. The comparison and the store happen under one lock.
func (r *CredentialRegistry) Swap(product Product, cred Credential) (bool, error) {
	if product == "" {
		return false, newConfigError(product, "product", "is required")
	}
	cred = Credential{
		ClientID:     strings.TrimSpace(cred.ClientID),
		ClientSecret: strings.TrimSpace(cred.ClientSecret),
		Audience:     strings.TrimSpace(cred.Audience),
		AuthURL:      strings.TrimSpace(cred.AuthURL),
	}
	if err := cred.Validate(product); err != nil {
		return false, err
	}

	r.mu.Lock()
	previous, existed := r.creds[product]
	r.creds[product] = cred
	r.mu.Unlock()
	return existed && previous != cred, nil
}

func (r *CredentialRegistry) Get(product Product) (Credential, error) {
	r.mu.RLock()
	cred, ok := r.creds[product]
	r.mu.RUnlock()
	if !ok {
		return Credential{}, &NotConfiguredError{Product: product}
	}
	return cred, nil
}

func (r *CredentialRegistry) Remove(product Product) {
	r.mu.Lock()
	delete(r.creds, product)
	r.mu.Unlock()
}

func (r *CredentialRegistry) Products() []Product {
	r.mu.RLock()
	products := make([]Product, 0, len(r.creds))
	for p := range r.creds {
		products = append(products, p)
	}
	r.mu.RUnlock()

	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })
	return products
}

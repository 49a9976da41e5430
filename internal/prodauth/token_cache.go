package prodauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenRecord is the cached token of one product. A refresh replaces it.
type TokenRecord struct {
	AccessToken string
	ExpiresAt   time.Time
}

type TokenCacheOptions struct {
	Registry      *CredentialRegistry
	Transport     TokenTransport
	Logger        *zap.Logger
	Metrics       *Metrics
	RefreshBuffer time.Duration // refresh this long before expiry
	Now           func() time.Time
}

// TokenCache holds one token per product and refreshes it lazily, with at
// most one token exchange in flight per product.
type TokenCache struct {
	registry      *CredentialRegistry
	transport     TokenTransport
	logger        *zap.Logger
	metrics       *Metrics
	refreshBuffer time.Duration
	now           func() time.Time

	mu          sync.RWMutex
	records     map[Product]TokenRecord
	generations map[Product]uint64

	flights singleflight.Group
}

func NewTokenCache(opts TokenCacheOptions) (*TokenCache, error) {
	if opts.Registry == nil {
		return nil, errors.New("credential registry is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("token transport is required")
	}
	if opts.RefreshBuffer < 0 {
		return nil, errors.New("refresh buffer cannot be negative")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &TokenCache{
		registry:      opts.Registry,
		transport:     opts.Transport,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		refreshBuffer: opts.RefreshBuffer,
		now:           opts.Now,
		records:       make(map[Product]TokenRecord),
		generations:   make(map[Product]uint64),
	}, nil
}

// EnsureFresh returns once product has a token that is not due for refresh,
// fetching one first if needed. Concurrent callers share a single fetch.
func (c *TokenCache) EnsureFresh(ctx context.Context, product Product) error {
	_, err := c.ensureFresh(ctx, product)
	return err
}

// Header returns the bearer authorization value for product.
func (c *TokenCache) Header(ctx context.Context, product Product) (string, error) {
	rec, err := c.ensureFresh(ctx, product)
	if err != nil {
		return "", err
	}
	return "Bearer " + rec.AccessToken, nil
}

// Record returns the cached token of product without refreshing it.
func (c *TokenCache) Record(product Product) (TokenRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[product]
	return rec, ok
}

// Invalidate drops the cached token of product. A fetch already in flight
// still answers its waiters but its result is not stored.
func (c *TokenCache) Invalidate(product Product) {
	c.mu.Lock()
	delete(c.records, product)
	c.generations[product]++
	c.mu.Unlock()
	c.metrics.DeleteTokenExpiry(product)
}

// AddProduct registers cred for product. The cached token of product is
// dropped only when its credential actually changed.
func (c *TokenCache) AddProduct(product Product, cred Credential) error {
	replaced, err := c.registry.Swap(product, cred)
	if err != nil {
		return err
	}
	if replaced {
		c.logger.Info("credential changed, dropping cached token", zap.Stringer("product", product))
		c.Invalidate(product)
	}
	return nil
}

// RemoveProduct unregisters product and forgets its token.
func (c *TokenCache) RemoveProduct(product Product) {
	c.registry.Remove(product)
	c.Invalidate(product)
}

// Warm fetches a token for every registered product. Failures are left to
// the lazy path and returned joined.
func (c *TokenCache) Warm(ctx context.Context) error {
	var errs []error
	for _, product := range c.registry.Products() {
		if err := c.EnsureFresh(ctx, product); err != nil {
			c.logger.Warn("initial token fetch failed, will retry on demand",
				zap.Stringer("product", product),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TokenCache) ensureFresh(ctx context.Context, product Product) (TokenRecord, error) {
	if _, err := c.registry.Get(product); err != nil {
		return TokenRecord{}, err
	}

	if rec, ok := c.freshRecord(product); ok {
		c.metrics.RecordCacheHit(product)
		return rec, nil
	}
	c.metrics.RecordCacheMiss(product)

	// Flights are keyed by credential generation: callers arriving after a
	// re-registration never join a fetch for the superseded credential.
	c.mu.RLock()
	generation := c.generations[product]
	c.mu.RUnlock()

	// The fetch outlives a cancelled initiator so the other waiters still
	// get a result; its deadline comes from the transport's HTTP client.
	fetchCtx := context.WithoutCancel(ctx)
	key := fmt.Sprintf("%s#%d", product, generation)
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.refresh(fetchCtx, product, generation)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return TokenRecord{}, res.Err
		}
		return res.Val.(TokenRecord), nil
	case <-ctx.Done():
		return TokenRecord{}, ctx.Err()
	}
}

func (c *TokenCache) freshRecord(product Product) (TokenRecord, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[product]
	if !ok || !c.isFresh(rec, now) {
		return TokenRecord{}, false
	}
	return rec, true
}

// isFresh reports whether rec can be served at now. A record is due for
// refresh once now >= ExpiresAt - refreshBuffer.
func (c *TokenCache) isFresh(rec TokenRecord, now time.Time) bool {
	if rec.AccessToken == "" {
		return false
	}
	return now.Before(rec.ExpiresAt.Add(-c.refreshBuffer))
}

// refresh runs inside the single flight of product at generation.
func (c *TokenCache) refresh(ctx context.Context, product Product, generation uint64) (TokenRecord, error) {
	// Another flight may have finished between the caller's check and this one.
	if rec, ok := c.freshRecord(product); ok {
		return rec, nil
	}

	cred, err := c.registry.Get(product)
	if err != nil {
		return TokenRecord{}, err
	}

	issuedAt := c.now()
	start := time.Now()
	resp, err := c.transport.FetchToken(ctx, cred)
	switch {
	case err != nil:
	case resp == nil || resp.AccessToken == "":
		err = errors.New("token response missing access_token")
	case resp.ExpiresIn <= 0 || resp.ExpiresIn > maxExpiresIn:
		err = fmt.Errorf("token response expires_in %d is out of range", resp.ExpiresIn)
	}
	c.metrics.RecordFetch(product, err, time.Since(start))
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = &TransportError{URL: cred.AuthURL, Cause: err}
		}
		c.logger.Warn("token fetch failed",
			zap.Stringer("product", product),
			zap.String("auth_url", cred.AuthURL),
			zap.Error(err),
		)
		return TokenRecord{}, err
	}

	rec := TokenRecord{
		AccessToken: resp.AccessToken,
		ExpiresAt:   issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	stored := c.generations[product] == generation
	if stored {
		c.records[product] = rec
	}
	c.mu.Unlock()

	if !stored {
		c.logger.Debug("discarding token fetched for a superseded credential", zap.Stringer("product", product))
		return rec, nil
	}

	c.metrics.SetTokenExpiry(product, rec.ExpiresAt)
	c.logger.Info("token refreshed",
		zap.Stringer("product", product),
		zap.String("access_token", maskToken(rec.AccessToken)),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

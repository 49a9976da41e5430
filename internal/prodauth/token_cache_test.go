package prodauth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewTokenCache_Validation(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(nil)

	_, err := NewTokenCache(TokenCacheOptions{Transport: transport})
	assert.Error(t, err)

	_, err = NewTokenCache(TokenCacheOptions{Registry: NewCredentialRegistry()})
	assert.Error(t, err)

	_, err = NewTokenCache(TokenCacheOptions{
		Registry:      NewCredentialRegistry(),
		Transport:     transport,
		RefreshBuffer: -time.Second,
	})
	assert.Error(t, err)

	cache, err := NewTokenCache(TokenCacheOptions{Registry: NewCredentialRegistry(), Transport: transport})
	require.NoError(t, err)
	assert.NotNil(t, cache.logger)
	assert.NotNil(t, cache.metrics)
	assert.NotNil(t, cache.now)
}

func TestTokenCache_NotConfiguredDoesNoIO(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(nil)
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	_, err := cache.Header(context.Background(), ProductOptimize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured))

	var nce *NotConfiguredError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, ProductOptimize, nce.Product)
	assert.Equal(t, int32(0), transport.total.Load())
}

func TestTokenCache_FirstRequestFetchesAndRecordsExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	issuedAt := clock.Now()
	transport := newStubTransport(nil)
	cache := newTestCache(t, transport, clock, 0, ProductOperations)

	header, err := cache.Header(context.Background(), ProductOperations)
	require.NoError(t, err)
	assert.Equal(t, "Bearer operations-client-token-1", header)

	rec, ok := cache.Record(ProductOperations)
	require.True(t, ok)
	assert.Equal(t, "operations-client-token-1", rec.AccessToken)
	assert.Equal(t, issuedAt.Add(3600*time.Second), rec.ExpiresAt)
}

func TestTokenCache_FreshTokenServedWithoutFetch(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	transport := newStubTransport(nil)
	cache := newTestCache(t, transport, clock, 0, ProductOrchestration)
	ctx := context.Background()

	first, err := cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	for i := 0; i < 5; i++ {
		h, err := cache.Header(ctx, ProductOrchestration)
		require.NoError(t, err)
		assert.Equal(t, first, h)
	}
	assert.Equal(t, int32(1), transport.total.Load())
}

func TestTokenCache_ExpiredTokenRefreshedOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	transport := newStubTransport(nil)
	cache := newTestCache(t, transport, clock, 0, ProductOrchestration)
	ctx := context.Background()

	_, err := cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	h, err := cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err)
	assert.Equal(t, "Bearer orchestration-client-token-2", h)

	h, err = cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err)
	assert.Equal(t, "Bearer orchestration-client-token-2", h)
	assert.Equal(t, int32(2), transport.total.Load())
}

func TestTokenCache_RefreshBuffer(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "short-lived", ExpiresIn: 60}, nil
	})
	cache := newTestCache(t, transport, clock, 10*time.Second, ProductTasklist)
	ctx := context.Background()

	require.NoError(t, cache.EnsureFresh(ctx, ProductTasklist))
	assert.Equal(t, int32(1), transport.total.Load())

	clock.Advance(49 * time.Second)
	require.NoError(t, cache.EnsureFresh(ctx, ProductTasklist))
	assert.Equal(t, int32(1), transport.total.Load(), "token still outside the refresh window")

	clock.Advance(time.Second)
	require.NoError(t, cache.EnsureFresh(ctx, ProductTasklist))
	assert.Equal(t, int32(2), transport.total.Load(), "token is refreshed at expiry minus buffer")
}

func TestTokenCache_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	const callers = 100

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
			<-release
			return &TokenResponse{AccessToken: "shared-token", ExpiresIn: 3600}, nil
		})
		cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

		headers, errs := runConcurrently(callers, release, func() (string, error) {
			return cache.Header(context.Background(), ProductOrchestration)
		})

		assert.Equal(t, int32(1), transport.total.Load())
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, "Bearer shared-token", headers[i])
		}
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		var release chan struct{}
		var mu sync.Mutex
		transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
			mu.Lock()
			wait := release
			mu.Unlock()
			if wait != nil {
				<-wait
			}
			return &TokenResponse{AccessToken: "token-" + strconv.Itoa(int(clock.Now().Unix())), ExpiresIn: 60}, nil
		})
		cache := newTestCache(t, transport, clock, 0, ProductOrchestration)

		first, err := cache.Header(context.Background(), ProductOrchestration)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		mu.Lock()
		release = make(chan struct{})
		gate := release
		mu.Unlock()

		headers, errs := runConcurrently(callers, gate, func() (string, error) {
			return cache.Header(context.Background(), ProductOrchestration)
		})

		assert.Equal(t, int32(2), transport.total.Load(), "one initial fetch and one shared refresh")
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, headers[0], headers[i])
		}
		assert.NotEqual(t, first, headers[0])
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
			<-release
			return nil, &TransportError{URL: cred.AuthURL, StatusCode: 500}
		})
		cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

		_, errs := runConcurrently(callers, release, func() (string, error) {
			return cache.Header(context.Background(), ProductOrchestration)
		})

		assert.Equal(t, int32(1), transport.total.Load())
		for i := 0; i < callers; i++ {
			require.Error(t, errs[i])
			assert.True(t, errors.Is(errs[i], ErrTransport))
			assert.Equal(t, errs[0].Error(), errs[i].Error())
		}
	})
}

// runConcurrently starts n callers, gives them time to join the in-flight
// fetch and then closes release.
func runConcurrently(n int, release chan struct{}, call func() (string, error)) ([]string, []error) {
	headers := make([]string, n)
	errs := make([]error, n)

	var started, done sync.WaitGroup
	started.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			headers[i], errs[i] = call()
		}(i)
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(release)
	done.Wait()
	return headers, errs
}

func TestTokenCache_FailureIsolatedPerProduct(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		if cred.ClientID == "console-client" {
			return nil, &TransportError{URL: cred.AuthURL, StatusCode: 401}
		}
		return &TokenResponse{AccessToken: cred.ClientID + "-token", ExpiresIn: 3600}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductConsole, ProductOrchestration)
	ctx := context.Background()

	_, err := cache.Header(ctx, ProductConsole)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	h, err := cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err)
	assert.Equal(t, "Bearer orchestration-client-token", h)

	_, ok := cache.Record(ProductConsole)
	assert.False(t, ok)
}

func TestTokenCache_FailedRefreshKeepsPreviousRecordAndRetries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var fail bool
	var mu sync.Mutex
	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("connection refused")
		}
		return &TokenResponse{AccessToken: "first", ExpiresIn: 60}, nil
	})
	cache := newTestCache(t, transport, clock, 0, ProductOptimize)
	ctx := context.Background()

	require.NoError(t, cache.EnsureFresh(ctx, ProductOptimize))

	mu.Lock()
	fail = true
	mu.Unlock()
	clock.Advance(2 * time.Minute)

	err := cache.EnsureFresh(ctx, ProductOptimize)
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te, "non-transport failures are wrapped")
	assert.Equal(t, "https://login.example.com/oauth/token", te.URL)

	rec, ok := cache.Record(ProductOptimize)
	require.True(t, ok)
	assert.Equal(t, "first", rec.AccessToken)

	// Every call after a failure tries again.
	_ = cache.EnsureFresh(ctx, ProductOptimize)
	assert.Equal(t, int32(3), transport.total.Load())
}

func TestTokenCache_AddProductInvalidatesOnlyOnChange(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(nil)
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)
	ctx := context.Background()

	require.NoError(t, cache.EnsureFresh(ctx, ProductOrchestration))

	require.NoError(t, cache.AddProduct(ProductOrchestration, testCredential(ProductOrchestration)))
	_, ok := cache.Record(ProductOrchestration)
	assert.True(t, ok, "identical credential keeps the token")

	changed := testCredential(ProductOrchestration)
	changed.ClientSecret = "rotated"
	require.NoError(t, cache.AddProduct(ProductOrchestration, changed))
	_, ok = cache.Record(ProductOrchestration)
	assert.False(t, ok, "changed credential drops the token")

	require.NoError(t, cache.EnsureFresh(ctx, ProductOrchestration))
	assert.Equal(t, int32(2), transport.total.Load())
}

func TestTokenCache_AddProductRejectsInvalidCredential(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, newStubTransport(nil), newFakeClock(), 0)
	err := cache.AddProduct(ProductConsole, Credential{ClientID: "id"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestTokenCache_RemoveProduct(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, newStubTransport(nil), newFakeClock(), 0, ProductConsole)
	ctx := context.Background()
	require.NoError(t, cache.EnsureFresh(ctx, ProductConsole))

	cache.RemoveProduct(ProductConsole)

	_, ok := cache.Record(ProductConsole)
	assert.False(t, ok)
	assert.ErrorIs(t, cache.EnsureFresh(ctx, ProductConsole), ErrNotConfigured)
}

func TestTokenCache_InvalidateDuringFetchDiscardsResult(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		close(entered)
		<-release
		return &TokenResponse{AccessToken: "stale", ExpiresIn: 3600}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	result := make(chan error, 1)
	go func() {
		result <- cache.EnsureFresh(context.Background(), ProductOrchestration)
	}()

	<-entered
	cache.Invalidate(ProductOrchestration)
	close(release)

	require.NoError(t, <-result)
	_, ok := cache.Record(ProductOrchestration)
	assert.False(t, ok)
}

func TestTokenCache_CallerAfterRotationGetsNewCredentialToken(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		if cred.ClientID == "orchestration-client" {
			close(entered)
			<-release
		}
		return &TokenResponse{AccessToken: cred.ClientID + "-token", ExpiresIn: 3600}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	stale := make(chan string, 1)
	go func() {
		h, _ := cache.Header(context.Background(), ProductOrchestration)
		stale <- h
	}()
	<-entered

	rotated := testCredential(ProductOrchestration)
	rotated.ClientID = "rotated-client"
	require.NoError(t, cache.AddProduct(ProductOrchestration, rotated))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := cache.Header(ctx, ProductOrchestration)
	require.NoError(t, err, "must not wait on the fetch for the old credential")
	assert.Equal(t, "Bearer rotated-client-token", h)

	close(release)
	assert.Equal(t, "Bearer orchestration-client-token", <-stale)

	rec, ok := cache.Record(ProductOrchestration)
	require.True(t, ok)
	assert.Equal(t, "rotated-client-token", rec.AccessToken)
}

func TestTokenCache_ConcurrentReRegistrationInvalidates(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, newStubTransport(nil), newFakeClock(), 0, ProductConsole)
	require.NoError(t, cache.EnsureFresh(context.Background(), ProductConsole))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred := testCredential(ProductConsole)
			cred.ClientSecret = "secret-" + strconv.Itoa(i)
			assert.NoError(t, cache.AddProduct(ProductConsole, cred))
		}(i)
	}
	wg.Wait()

	_, ok := cache.Record(ProductConsole)
	assert.False(t, ok)
}

func TestTokenCache_RejectsOutOfRangeExpiry(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(func(context.Context, Credential) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "forever", ExpiresIn: 10_000_000_000}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	err := cache.EnsureFresh(context.Background(), ProductOrchestration)
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "out of range")

	_, ok := cache.Record(ProductOrchestration)
	assert.False(t, ok)
}

func TestTokenCache_CancelledWaiterDoesNotAbortFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := newStubTransport(func(ctx context.Context, cred Credential) (*TokenResponse, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &TokenResponse{AccessToken: "late", ExpiresIn: 3600}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := cache.EnsureFresh(ctx, ProductOrchestration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		rec, ok := cache.Record(ProductOrchestration)
		return ok && rec.AccessToken == "late"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), transport.total.Load())
}

func TestTokenCache_RejectsEmptyAccessToken(t *testing.T) {
	t.Parallel()

	transport := newStubTransport(func(context.Context, Credential) (*TokenResponse, error) {
		return &TokenResponse{ExpiresIn: 3600}, nil
	})
	cache := newTestCache(t, transport, newFakeClock(), 0, ProductOrchestration)

	err := cache.EnsureFresh(context.Background(), ProductOrchestration)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestTokenCache_Warm(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	registry := NewCredentialRegistry()
	for _, p := range []Product{ProductConsole, ProductOperations} {
		require.NoError(t, registry.AddProduct(p, testCredential(p)))
	}
	transport := newStubTransport(func(_ context.Context, cred Credential) (*TokenResponse, error) {
		if cred.ClientID == "console-client" {
			return nil, &TransportError{URL: cred.AuthURL, StatusCode: 503}
		}
		return &TokenResponse{AccessToken: "ok", ExpiresIn: 3600}, nil
	})
	cache, err := NewTokenCache(TokenCacheOptions{
		Registry:  registry,
		Transport: transport,
		Logger:    zap.New(core),
	})
	require.NoError(t, err)

	err = cache.Warm(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	_, ok := cache.Record(ProductOperations)
	assert.True(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("initial token fetch failed, will retry on demand").Len())
}

func TestTokenCache_LogsMaskedToken(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	registry := NewCredentialRegistry()
	require.NoError(t, registry.AddProduct(ProductConsole, testCredential(ProductConsole)))
	transport := newStubTransport(func(context.Context, Credential) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "eyJhbGciOiJSUzI1NiJ9.secret-part", ExpiresIn: 3600}, nil
	})
	cache, err := NewTokenCache(TokenCacheOptions{Registry: registry, Transport: transport, Logger: zap.New(core)})
	require.NoError(t, err)

	require.NoError(t, cache.EnsureFresh(context.Background(), ProductConsole))

	entries := logs.FilterMessage("token refreshed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "eyJhbGci...", entries[0].ContextMap()["access_token"])
}

func TestTokenCache_Metrics(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("cache_test")
	registry := NewCredentialRegistry()
	require.NoError(t, registry.AddProduct(ProductConsole, testCredential(ProductConsole)))
	cache, err := NewTokenCache(TokenCacheOptions{
		Registry:  registry,
		Transport: newStubTransport(nil),
		Metrics:   metrics,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.EnsureFresh(ctx, ProductConsole))
	require.NoError(t, cache.EnsureFresh(ctx, ProductConsole))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheMisses.WithLabelValues("console")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheHits.WithLabelValues("console")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.fetches.WithLabelValues("console", "success")))

	cache.Invalidate(ProductConsole)
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.tokenExpiry))
}

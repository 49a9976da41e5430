package prodauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxLoggedErrorBodyBytes = 4096
	requestIDHeader         = "X-Request-Id"
)

// Service is a reverse proxy that adds each product's authorization header
// to the requests it forwards.
type Service struct {
	cfg     Config
	clients *ClientAuthenticator
	client  *http.Client
	logger  *zap.Logger
	routes  atomic.Pointer[routeTable]
	auth    Authentication
	metrics *Metrics
	secrets SecretResolver
	watcher *ConfigWatcher

	startOnce sync.Once
	startErr  error
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ServiceOptions overrides collaborators that NewService builds otherwise.
type ServiceOptions struct {
	Metrics         *Metrics
	TokenHTTPClient *http.Client
	Secrets         SecretResolver
	Now             func() time.Time
}

func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	return NewServiceWithOptions(cfg, logger, ServiceOptions{})
}

func NewServiceWithOptions(cfg Config, logger *zap.Logger, opts ServiceOptions) (*Service, error) {
	if logger == nil {
		var err error
		logger, err = newZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics("")
	}

	secrets, err := secretResolverFor(cfg, AuthenticationOptions{Logger: logger, Secrets: opts.Secrets})
	if err != nil {
		return nil, err
	}

	auth, err := NewAuthentication(context.Background(), cfg, AuthenticationOptions{
		Logger:     logger.Named("auth"),
		Metrics:    opts.Metrics,
		HTTPClient: opts.TokenHTTPClient,
		Secrets:    secrets,
		Now:        opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("init authentication: %w", err)
	}

	routes, err := newRouteTable(&cfg)
	if err != nil {
		return nil, fmt.Errorf("product routes: %w", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			ForceAttemptHTTP2:     true,
			ResponseHeaderTimeout: cfg.RequestTimeout.Duration,
		},
	}

	s := &Service{
		cfg:     cfg,
		clients: NewClientAuthenticator(cfg.Users),
		client:  client,
		logger:  logger,
		auth:    auth,
		metrics: opts.Metrics,
		secrets: secrets,
	}
	s.routes.Store(routes)

	for _, product := range routes.products() {
		pc, _ := cfg.ProductConfig(product)
		logger.Info("product route registered",
			zap.Stringer("product", product),
			zap.String("base_url", pc.BaseURL),
		)
	}

	if cfg.WatchConfig && cfg.Path != "" {
		s.watcher, err = NewConfigWatcher(cfg.Path, s.reload, logger.Named("config_watcher"))
		if err != nil {
			return nil, fmt.Errorf("init config watcher: %w", err)
		}
	}

	return s, nil
}

// Authentication returns the strategy the service injects headers with.
func (s *Service) Authentication() Authentication {
	return s.auth
}

// Start fetches the initial tokens and starts the config watcher. Token
// failures are only logged; those products retry on their next request.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		if jwt, ok := s.auth.(*JWTAuthentication); ok {
			products := jwt.Cache().registry.Products()
			s.logger.Info("fetching initial tokens", zap.Int("products", len(products)))
			if err := jwt.Cache().Warm(ctx); err == nil {
				s.logger.Info("all initial tokens fetched")
			}
		}
		if s.watcher != nil {
			if err := s.watcher.Start(context.WithoutCancel(ctx)); err != nil {
				s.startErr = fmt.Errorf("start config watcher: %w", err)
			}
		}
	})
	return s.startErr
}

func (s *Service) reload(ctx context.Context, cfg Config) error {
	if err := ApplyConfig(ctx, s.auth, cfg, s.secrets); err != nil {
		return err
	}
	routes, err := newRouteTable(&cfg)
	if err != nil {
		return err
	}
	s.routes.Store(routes)
	s.clients.Update(cfg.Users)
	return nil
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
		return
	case s.cfg.MetricsPath:
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}
	s.proxy(w, r)
}

func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w}
	userLabel := "anonymous"
	productID := "-"
	upstreamHost := "-"

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(requestIDHeader, requestID)
	}
	lrw.Header().Set(requestIDHeader, requestID)

	if err := s.Start(context.Background()); err != nil {
		s.logger.Error("service start failed", zap.Error(err))
		http.Error(lrw, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	defer func() {
		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start).Round(time.Millisecond)
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user", userLabel),
			zap.String("product", productID),
			zap.Int("status", status),
			zap.Int64("bytes", lrw.bytes),
			zap.Duration("duration", duration),
			zap.String("upstream_host", upstreamHost),
		)
	}()

	route, trimmed, ok := s.routes.Load().Resolve(r.URL.Path)
	if !ok {
		s.logger.Warn("unknown product prefix", zap.String("path", r.URL.Path))
		http.NotFound(lrw, r)
		return
	}
	productID = route.product.String()

	username, ok := s.authenticate(r)
	if !ok {
		http.Error(lrw, "unauthorized", http.StatusUnauthorized)
		return
	}
	if username != "" {
		userLabel = username
	}

	s.logger.Debug("headers inbound", zap.Any("headers", sanitizeHeaders(r.Header)))

	upstreamReq, err := s.buildUpstreamRequest(r.Context(), route, r, trimmed)
	if err != nil {
		status := statusForHeaderError(err)
		s.logger.Error("build upstream request",
			zap.String("product", productID),
			zap.Int("status", status),
			zap.Error(err),
		)
		http.Error(lrw, http.StatusText(status), status)
		return
	}
	upstreamHost = upstreamReq.URL.Host
	s.logger.Debug("headers upstream", zap.Any("headers", sanitizeHeaders(upstreamReq.Header)))

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		s.logger.Error("upstream request", zap.Error(err), zap.String("host", upstreamReq.URL.Host))
		http.Error(lrw, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		lrw.Header()[key] = values
	}
	lrw.WriteHeader(resp.StatusCode)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.EqualFold(mediaType, "text/event-stream") {
		s.streamResponse(lrw, resp)
		return
	}

	logErrorBody := resp.StatusCode >= http.StatusBadRequest
	var bodyTee *limitedBuffer
	copyWriter := io.Writer(lrw)
	if logErrorBody {
		bodyTee = &limitedBuffer{limit: maxLoggedErrorBodyBytes}
		copyWriter = io.MultiWriter(lrw, bodyTee)
	}

	if _, err := io.Copy(copyWriter, resp.Body); err != nil {
		s.logger.Warn("copy response", zap.Error(err))
	}

	if logErrorBody && bodyTee != nil && bodyTee.Len() > 0 {
		body := strings.TrimSpace(bodyTee.String())
		if bodyTee.Truncated {
			body += " ... (truncated)"
		}
		s.logger.Warn("upstream error response",
			zap.String("product", productID),
			zap.String("path", r.URL.Path),
			zap.String("upstream_host", upstreamHost),
			zap.Int("status", resp.StatusCode),
			zap.Any("headers", sanitizeHeaders(resp.Header)),
			zap.String("message", body),
		)
	}
}

func (s *Service) buildUpstreamRequest(ctx context.Context, route productRoute, downstream *http.Request, trimmedPath string) (*http.Request, error) {
	upstreamURL := route.buildURL(trimmedPath, downstream.URL.RawQuery)

	req, err := http.NewRequestWithContext(ctx, downstream.Method, upstreamURL, downstream.Body)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header = make(http.Header)
	copyHeaders(req.Header, downstream.Header)

	if err := ApplyHeader(ctx, s.auth, route.product, req); err != nil {
		return nil, err
	}
	return req, nil
}

func statusForHeaderError(err error) int {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) authenticate(r *http.Request) (string, bool) {
	// If no users configured, allow all requests (no authentication required)
	if !s.clients.HasUsers() {
		return "", true
	}

	authHeader := r.Header.Get("Authorization")

	// If no Authorization header provided, allow the request (anonymous access)
	if authHeader == "" {
		return "", true
	}

	prefix := "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		s.logger.Warn("authentication failed: invalid authorization format", zap.String("remote", r.RemoteAddr))
		return "", false
	}

	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		s.logger.Warn("authentication failed: empty token", zap.String("remote", r.RemoteAddr))
		return "", false
	}

	username, ok := s.clients.Authenticate(token)
	if !ok {
		s.logger.Warn("authentication failed: unknown token", zap.String("remote", r.RemoteAddr))
		return "", false
	}
	return username, true
}

func (s *Service) streamResponse(w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Warn("streaming not supported")
		return
	}

	buffer := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				s.logger.Warn("write streaming response", zap.Error(writeErr))
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

func isHopByHop(header string) bool {
	h := strings.ToLower(header)
	if strings.HasPrefix(h, "proxy-") {
		return true
	}
	switch h {
	case "connection", "keep-alive", "te", "trailers", "transfer-encoding", "upgrade", "host":
		return true
	default:
		return false
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		if strings.EqualFold(key, "Authorization") {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
}

func sanitizeHeaders(src http.Header) http.Header {
	dst := cloneHeaders(src)
	maskHeader(dst, "Authorization")
	maskHeader(dst, "Proxy-Authorization")
	return dst
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	Truncated bool
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	if lb.limit <= 0 {
		return len(p), nil
	}
	remain := lb.limit - lb.buf.Len()
	if remain > 0 {
		if len(p) <= remain {
			_, _ = lb.buf.Write(p)
		} else {
			_, _ = lb.buf.Write(p[:remain])
			lb.Truncated = true
		}
	} else {
		lb.Truncated = true
	}
	return len(p), nil
}

func (lb *limitedBuffer) Len() int {
	return lb.buf.Len()
}

func (lb *limitedBuffer) String() string {
	return lb.buf.String()
}

func maskHeader(headers http.Header, key string) {
	if val := headers.Get(key); val != "" {
		headers.Set(key, maskToken(val))
	}
}

func cloneHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vals := range src {
		dst[k] = append([]string(nil), vals...)
	}
	return dst
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

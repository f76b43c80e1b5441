package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	gfotel "github.com/Strob0t/glossforge/internal/adapter/otel"
	"github.com/Strob0t/glossforge/internal/config"
	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/port/cache"
	"github.com/Strob0t/glossforge/internal/port/llm"
	"github.com/Strob0t/glossforge/internal/resilience"
	"github.com/Strob0t/glossforge/internal/workpool"
)

// Completer is what pipeline stages need from the language-model gateway.
type Completer interface {
	// Complete returns the raw text reply for prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteJSON decodes a schema-conforming reply into out, which must
	// be a non-nil pointer.
	CompleteJSON(ctx context.Context, prompt string, out any) error
}

// TransportError is a backend failure that survived the retry budget, or a
// client-side rejection that was never retried.
type TransportError struct {
	Attempts   int
	StatusCode int // 0 for network failures and timeouts
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError means no schema-conforming value could be recovered from the
// backend's replies.
type ParseError struct {
	Attempts int
	Raw      string // excerpt of the last reply
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llm output unparseable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsGatewayError reports whether err came out of the gateway's retry layers.
func IsGatewayError(err error) bool {
	var te *TransportError
	var pe *ParseError
	return errors.As(err, &te) || errors.As(err, &pe)
}

type interruptKey struct{}

// WithInterrupt attaches a stop signal to ctx. Gateway backoff waits end
// early once stop is closed, and no new request is issued afterwards.
// A request already in flight is allowed to finish.
func WithInterrupt(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, stop)
}

func interruptFrom(ctx context.Context) <-chan struct{} {
	stop, _ := ctx.Value(interruptKey{}).(<-chan struct{})
	return stop
}

func interrupted(ctx context.Context) bool {
	stop := interruptFrom(ctx)
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Gateway wraps a language-model backend with transport retries, a circuit
// breaker, a process-wide concurrency cap, an optional completion cache and
// structured-output recovery. It holds no per-call state.
type Gateway struct {
	backend  llm.Backend
	cfg      config.LLM
	breaker  *resilience.Breaker
	pool     *workpool.Pool
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *gfotel.Metrics
	system   string

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a Gateway over backend using the retry settings in cfg.
func NewGateway(backend llm.Backend, cfg config.LLM) *Gateway {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.ParseRetries < 1 {
		cfg.ParseRetries = 1
	}
	return &Gateway{
		backend: backend,
		cfg:     cfg,
		system:  defaultSystemPrompt,
		sleep:   resilience.Sleep,
	}
}

const defaultSystemPrompt = "You are a careful terminologist helping to build a domain glossary."

// SetBreaker attaches a circuit breaker to all backend calls. Only
// transient failures count against it.
func (g *Gateway) SetBreaker(b *resilience.Breaker) {
	if b == nil {
		g.breaker = nil
		return
	}
	g.breaker = b.CountOnly(isTransient)
}

// SetPool caps concurrent backend calls across all callers of the gateway.
func (g *Gateway) SetPool(p *workpool.Pool) {
	g.pool = p
}

// SetCache enables caching of schema-valid structured replies.
func (g *Gateway) SetCache(c cache.Cache, ttl time.Duration) {
	g.cache = c
	g.cacheTTL = ttl
}

// SetMetrics attaches metric instruments.
func (g *Gateway) SetMetrics(m *gfotel.Metrics) {
	g.metrics = m
}

// SetSystemPrompt replaces the system message sent with every request.
func (g *Gateway) SetSystemPrompt(s string) {
	g.system = s
}

// Complete implements Completer.
func (g *Gateway) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := gfotel.StartGatewaySpan(ctx, g.backend.Name(), g.cfg.Model, false)
	defer span.End()

	text, err := g.call(ctx, g.request(prompt, false))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

// CompleteJSON implements Completer. A schema description derived from out
// is appended to the prompt. Each reply is searched for a value in three
// places: the whole text, a fenced code block, then the first balanced
// JSON object. Replies yielding nothing usable are re-requested up to
// ParseRetries times with a fixed delay. Transport failures end the call
// immediately since they already exhausted their own retry budget.
func (g *Gateway) CompleteJSON(ctx context.Context, prompt string, out any) error {
	ctx, span := gfotel.StartGatewaySpan(ctx, g.backend.Name(), g.cfg.Model, true)
	defer span.End()

	schema, err := schemaFor(out)
	if err != nil {
		return fmt.Errorf("describe output schema: %w", err)
	}
	req := g.request(prompt+"\n\n"+schemaInstruction+"\n"+schema, true)
	key := g.cacheKey(req, schema)

	if g.fromCache(ctx, key, out) {
		span.SetAttributes(attribute.Bool("llm.cache_hit", true))
		return nil
	}

	var lastErr error
	var raw string
	for attempt := 1; attempt <= g.cfg.ParseRetries; attempt++ {
		if attempt > 1 {
			if err := g.pause(ctx, g.cfg.ParseRetryDelay); err != nil {
				return err
			}
		}

		text, err := g.call(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if err := decodeStructured(text, out); err != nil {
			lastErr, raw = err, text
			g.count(ctx, g.metricsParseFailures())
			slog.WarnContext(ctx, "llm reply not parseable",
				"attempt", attempt, "max_attempts", g.cfg.ParseRetries, "error", err)
			continue
		}

		g.toCache(ctx, key, text)
		return nil
	}

	perr := &ParseError{Attempts: g.cfg.ParseRetries, Raw: excerpt(raw, 200), Err: lastErr}
	span.SetStatus(codes.Error, perr.Error())
	return perr
}

// CompleteAs is CompleteJSON returning a fresh value of type T.
func CompleteAs[T any](ctx context.Context, c Completer, prompt string) (T, error) {
	var v T
	err := c.CompleteJSON(ctx, prompt, &v)
	return v, err
}

// HealthStatus describes backend reachability for the health endpoint.
type HealthStatus struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Healthy  bool   `json:"healthy"`
	Breaker  string `json:"breaker,omitempty"`
	InFlight int    `json:"in_flight"`
	Error    string `json:"error,omitempty"`
}

// Health probes the backend.
func (g *Gateway) Health(ctx context.Context) HealthStatus {
	hs := HealthStatus{
		Provider: g.backend.Name(),
		Model:    g.cfg.Model,
		InFlight: g.pool.InFlight(),
	}
	if g.breaker != nil {
		hs.Breaker = g.breaker.State().String()
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.backend.Ping(pctx); err != nil {
		hs.Error = err.Error()
		return hs
	}
	hs.Healthy = true
	return hs
}

func (g *Gateway) request(prompt string, structured bool) llm.Request {
	msgs := make([]llm.Message, 0, 2)
	if g.system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: g.system})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})
	return llm.Request{
		Model:       g.cfg.Model,
		Messages:    msgs,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		JSON:        structured,
	}
}

// call issues req with up to MaxRetries attempts. Transient failures back
// off exponentially; rate limits honor the provider's Retry-After hint up
// to MaxRateLimitWait. Client errors are returned after one attempt.
func (g *Gateway) call(ctx context.Context, req llm.Request) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := g.retryDelay(attempt-1, lastErr)
			g.count(ctx, g.metricsRetries())
			slog.WarnContext(ctx, "llm request failed, retrying",
				"attempt", attempt-1, "max_attempts", g.cfg.MaxRetries, "delay", wait, "error", lastErr)
			if err := g.pause(ctx, wait); err != nil {
				return "", err
			}
		} else if interrupted(ctx) {
			return "", fmt.Errorf("llm request not issued: %w", domain.ErrCancelled)
		}

		resp, err := g.attempt(ctx, req)
		if err == nil {
			return resp.Content, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			return "", &TransportError{Attempts: attempt, StatusCode: statusCode(err), Err: err}
		}
	}
	return "", &TransportError{Attempts: g.cfg.MaxRetries, StatusCode: statusCode(lastErr), Err: lastErr}
}

func (g *Gateway) attempt(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	err := g.pool.Run(ctx, func() error {
		g.count(ctx, g.metricsCalls())
		actx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		chat := func() error {
			r, err := g.backend.Chat(actx, req)
			resp = r
			return err
		}
		if g.breaker != nil {
			return g.breaker.Execute(chat)
		}
		return chat()
	})
	return resp, err
}

func (g *Gateway) retryDelay(failures int, err error) time.Duration {
	backoff := resilience.Backoff(failures, g.cfg.BaseBackoff, g.cfg.MaxBackoff)
	var se *llm.StatusError
	if errors.As(err, &se) && se.RateLimited() {
		wait := backoff
		if se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		if g.cfg.MaxRateLimitWait > 0 && wait > g.cfg.MaxRateLimitWait {
			wait = g.cfg.MaxRateLimitWait
		}
		return wait
	}
	return backoff
}

// pause sleeps for d unless ctx ends or the interrupt signal fires first.
func (g *Gateway) pause(ctx context.Context, d time.Duration) error {
	stop := interruptFrom(ctx)
	if stop == nil {
		return g.sleep(ctx, d)
	}
	if interrupted(ctx) {
		return fmt.Errorf("llm retry abandoned: %w", domain.ErrCancelled)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-sctx.Done():
		}
	}()
	err := g.sleep(sctx, d)
	if interrupted(ctx) {
		return fmt.Errorf("llm retry abandoned: %w", domain.ErrCancelled)
	}
	return err
}

// isTransient classifies a backend error. Status errors decide for
// themselves; caller cancellation is final; everything else (network
// failures, timeouts, an open circuit, garbled bodies) may clear up.
func isTransient(err error) bool {
	var se *llm.StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return !errors.Is(err, context.Canceled)
}

func statusCode(err error) int {
	var se *llm.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func (g *Gateway) cacheKey(req llm.Request, schema string) string {
	h := sha256.New()
	for _, part := range []string{g.backend.Name(), req.Model, schema} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}

func (g *Gateway) fromCache(ctx context.Context, key string, out any) bool {
	if g.cache == nil {
		return false
	}
	data, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "completion cache get failed", "error", err)
		return false
	}
	if !ok || decodeStructured(string(data), out) != nil {
		return false
	}
	g.count(ctx, g.metricsCacheHits())
	return true
}

func (g *Gateway) toCache(ctx context.Context, key, text string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, []byte(text), g.cacheTTL); err != nil {
		slog.WarnContext(ctx, "completion cache set failed", "error", err)
	}
}

func (g *Gateway) count(ctx context.Context, c metric.Int64Counter) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", g.backend.Name()),
		attribute.String("model", g.cfg.Model),
	))
}

func (g *Gateway) metricsCalls() metric.Int64Counter {
	if g.metrics == nil {
		return nil
	}
	return g.metrics.GatewayCalls
}

func (g *Gateway) metricsRetries() metric.Int64Counter {
	if g.metrics == nil {
		return nil
	}
	return g.metrics.GatewayRetries
}

func (g *Gateway) metricsParseFailures() metric.Int64Counter {
	if g.metrics == nil {
		return nil
	}
	return g.metrics.ParseFailures
}

func (g *Gateway) metricsCacheHits() metric.Int64Counter {
	if g.metrics == nil {
		return nil
	}
	return g.metrics.CacheHits
}

// excerpt cuts s to at most n bytes without splitting a rune.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

package quotapool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client sends generation requests through a Pool: it gates every call on
// the selected backend's limiter and fails over to the next backend when a
// quota window is exhausted or the provider fails.
type Client struct {
	pool    *Pool
	counter TokenCounter
	meter   Meter
	health  *HealthTracker
}

// Option configures a Client.
type Option func(*Client)

// WithTokenCounter sets the counter used when a backend's provider cannot
// count tokens itself.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Client) { c.counter = tc }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(c *Client) { c.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(c *Client) { c.health = h }
}

// NewClient creates a Client over pool.
// CharCounter, a no-op meter and a fresh HealthTracker are used unless
// overridden via options.
func NewClient(pool *Pool, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: pool is required", ErrInvalidArgument)
	}

	c := &Client{pool: pool}
	for _, opt := range opts {
		opt(c)
	}

	if c.counter == nil {
		c.counter = CharCounter{}
	}
	if c.meter == nil {
		c.meter = noopMeter{}
	}
	if c.health == nil {
		c.health = NewHealthTracker(nil)
	}

	return c, nil
}

// Pool returns the pool the client routes over.
func (c *Client) Pool() *Pool { return c.pool }

// Generate performs a synchronous generation with automatic failover.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	var (
		resp    ProviderResponse
		served  *Backend
		routing Routing
		took    time.Duration
	)

	err := c.route(ctx, req, func(b *Backend, provReq ProviderRequest, r Routing) error {
		start := time.Now()
		var err error
		resp, err = b.provider.Generate(ctx, provReq)
		took = time.Since(start)
		served, routing = b, r
		return err
	})
	if err != nil {
		return Response{}, err
	}

	routing.ContextFull = c.commit(served, routing, resp.Usage, took)

	return Response{
		ID:           resp.ID,
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Model:        resp.Model,
		Routing:      routing,
	}, nil
}

// GenerateStream performs a streaming generation with automatic failover.
// Failover only happens before the first chunk; the returned stream commits
// response tokens to the backend's context budget on Close.
func (c *Client) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	var stream *Stream

	err := c.route(ctx, req, func(b *Backend, provReq ProviderRequest, r Routing) error {
		inner, err := b.provider.GenerateStream(ctx, provReq)
		if err != nil {
			return err
		}
		stream = &Stream{
			inner:     inner,
			client:    c,
			backend:   b,
			routing:   r,
			startTime: time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// callFunc performs the provider call for an admitted backend.
type callFunc func(b *Backend, provReq ProviderRequest, r Routing) error

// route walks the pool from the current selection, admitting the request on
// the first backend whose limiter accepts it and whose provider call
// succeeds. Each backend is tried at most once.
func (c *Client) route(ctx context.Context, req Request, call callFunc) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	if !c.usable() {
		return ErrNoUsableBackend
	}

	requestID := uuid.New().String()

	var lastErr error
	tries := c.pool.Len()
	for attempt := 1; attempt <= tries; attempt++ {
		b, ok := c.pool.Current()
		if !ok {
			if b, ok = c.pool.Next(); !ok {
				return ErrNoUsableBackend
			}
		}

		if b.limiter.Exhausted() || c.health.State(b.id) == HealthUnhealthy {
			c.pool.Next()
			continue
		}
		if b.provider == nil {
			lastErr = fmt.Errorf("%w: %s", ErrNoProvider, b.id)
			c.pool.Next()
			continue
		}

		r := Routing{
			RequestID: requestID,
			Backend:   b.id,
			Provider:  b.provider.Name(),
			Model:     b.model,
			Attempts:  attempt,
		}

		tokens, err := c.count(ctx, b, req.Messages)
		if err != nil {
			c.health.RecordFailure(b.id)
			if IsFatal(err) {
				return c.clientErr(err, r)
			}
			lastErr = err
			c.pool.Next()
			continue
		}
		r.EstimatedTokens = tokens

		charged, err := b.limiter.recordUsage(ctx, tokens)
		if err != nil {
			// The request is not sent; its prompt must not stay in context.
			if charged {
				b.limiter.releaseContext(tokens)
			}
			c.meter.OnReject(RejectEvent{
				RequestID: requestID,
				Backend:   b.id,
				Model:     b.model,
				Attempt:   attempt,
				Tokens:    tokens,
				Err:       err,
			})
			if IsQuotaExhausted(err) {
				lastErr = err
				c.pool.Next()
				continue
			}
			return c.clientErr(err, r)
		}

		c.meter.OnAdmit(AdmitEvent{
			RequestID: requestID,
			Backend:   b.id,
			Model:     b.model,
			Attempt:   attempt,
			Tokens:    tokens,
			Day:       b.limiter.DayUsage(),
			Minute:    b.limiter.MinuteUsage(),
			Context:   b.limiter.ContextUsage(),
		})

		provReq := ProviderRequest{
			Auth:        b.auth,
			Model:       b.model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}

		start := time.Now()
		err = call(b, provReq, r)
		if err == nil {
			return nil
		}

		b.limiter.releaseContext(tokens)
		c.health.RecordFailure(b.id)
		c.meter.OnResult(ResultEvent{
			RequestID: requestID,
			Backend:   b.id,
			Provider:  r.Provider,
			Model:     b.model,
			Success:   false,
			Duration:  time.Since(start),
			Context:   b.limiter.ContextUsage(),
			Error:     err,
		})

		if IsFatal(err) {
			return c.clientErr(err, r)
		}
		lastErr = err
		c.pool.Next()
	}

	if !c.usable() {
		return ErrNoUsableBackend
	}
	if lastErr == nil {
		lastErr = ErrAllFailed
	} else {
		lastErr = fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
	}
	return &ClientError{Err: lastErr, Attempts: tries}
}

// commit records a successful call: response tokens go into the context
// budget. It reports whether they did not fit.
func (c *Client) commit(b *Backend, r Routing, usage Usage, took time.Duration) (contextFull bool) {
	c.health.RecordSuccess(r.Backend)

	ctxErr := b.limiter.AddContext(usage.CompletionTokens)

	c.meter.OnResult(ResultEvent{
		RequestID: r.RequestID,
		Backend:   r.Backend,
		Provider:  r.Provider,
		Model:     r.Model,
		Success:   true,
		Duration:  took,
		Usage:     usage,
		Context:   b.limiter.ContextUsage(),
		Error:     ctxErr,
	})

	return errors.Is(ctxErr, ErrContextLimitExceeded)
}

func (c *Client) count(ctx context.Context, b *Backend, messages []Message) (int64, error) {
	if tc, ok := b.provider.(TokenCounter); ok {
		return tc.CountTokens(ctx, b.auth, b.model, messages)
	}
	return c.counter.CountTokens(ctx, b.auth, b.model, messages)
}

func (c *Client) usable() bool {
	for _, b := range c.pool.Backends() {
		if !b.limiter.Exhausted() {
			return true
		}
	}
	return false
}

func (c *Client) clientErr(err error, r Routing) error {
	return &ClientError{
		Err:      err,
		Backend:  r.Backend,
		Provider: r.Provider,
		Model:    r.Model,
		Attempts: r.Attempts,
	}
}

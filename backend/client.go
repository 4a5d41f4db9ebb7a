package backend

import (
	"context"
	"fmt"
	"sync"
)

// Adapter is implemented by each backend endpoint integration.
type Adapter interface {
	// Name returns the backend identifier used in target strings.
	Name() string

	// Complete sends a blocking completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. The returned channel is closed
	// after the final chunk, which carries the closed Response.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Closer is optionally implemented by adapters holding resources.
type Closer interface {
	Close() error
}

// Client routes requests to registered backend adapters and retries
// idempotent completion calls under its retry policy.
type Client struct {
	adapters       map[string]Adapter
	defaultBackend string
	retry          RetryPolicy
	mu             sync.RWMutex
}

// Option configures a Client.
type Option func(*Client)

// WithAdapter registers a backend adapter.
func WithAdapter(a Adapter) Option {
	return func(c *Client) { c.adapters[a.Name()] = a }
}

// WithDefaultBackend sets the backend used by bare model targets.
func WithDefaultBackend(name string) Option {
	return func(c *Client) { c.defaultBackend = name }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a Client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		adapters: make(map[string]Adapter),
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultBackend == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultBackend = name
		}
	}
	return c
}

// Register adds an adapter after construction.
func (c *Client) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
	if c.defaultBackend == "" {
		c.defaultBackend = a.Name()
	}
}

// resolve picks the adapter for a request, preferring the request's
// explicit backend, then the client default.
func (c *Client) resolve(req Request) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Backend
	if name == "" {
		name = c.defaultBackend
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError{Message: "no backend specified and no default configured"}}
	}
	a, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("backend %q is not registered", name)}}
	}
	return a, nil
}

// Complete routes a blocking completion request with retry.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	a, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Backend == "" {
		req.Backend = a.Name()
	}
	return Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return a.Complete(ctx, req)
	})
}

// Stream routes a streaming request. The initial connection is retried;
// mid-stream failures surface as an error chunk.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	a, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Backend == "" {
		req.Backend = a.Name()
	}
	return Retry(ctx, c.retry, func(ctx context.Context) (<-chan Chunk, error) {
		return a.Stream(ctx, req)
	})
}

// Close releases resources held by registered adapters.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, a := range c.adapters {
		if closer, ok := a.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

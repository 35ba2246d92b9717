package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client is the surface the sync engine needs from the remote provider.
// Concrete implementations wrap the provider SDK; the engine only sees this
// interface so tests can substitute a fake.
type Client interface {
	// List fetches one page of objects of the given type
	List(ctx context.Context, object string, params ListParams) (Page, error)

	// Retrieve fetches a single object by id
	Retrieve(ctx context.Context, object, id string) (Object, error)

	// CreateQueryRun submits an analytical query and returns its run id
	CreateQueryRun(ctx context.Context, sql string) (string, error)

	// GetQueryRun polls the state of a submitted query
	GetQueryRun(ctx context.Context, id string) (QueryRun, error)

	// DownloadFile fetches a result file body (CSV)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// RetryClient decorates a Client with client-side rate limiting and bounded
// retry-with-backoff for transient failures. Non-transient errors pass
// through on the first attempt.
type RetryClient struct {
	inner       Client
	limiter     *rate.Limiter
	maxElapsed  time.Duration
	maxInterval time.Duration
}

// RetryOpts tunes the RetryClient
type RetryOpts struct {
	// RequestsPerSecond caps outbound call rate; 0 disables the limiter
	RequestsPerSecond float64
	Burst             int
	// MaxElapsed bounds the total retry budget per call (default 2 minutes)
	MaxElapsed time.Duration
}

// NewRetryClient wraps inner with rate limiting and retries
func NewRetryClient(inner Client, opts RetryOpts) *RetryClient {
	c := &RetryClient{
		inner:       inner,
		maxElapsed:  opts.MaxElapsed,
		maxInterval: 20 * time.Second,
	}
	if c.maxElapsed == 0 {
		c.maxElapsed = 2 * time.Minute
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func (c *RetryClient) do(ctx context.Context, op string, fn func() error) error {
	call := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			log.Warn().Err(err).Str("op", op).Msg("transient remote error, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	bo.MaxInterval = c.maxInterval
	return backoff.Retry(call, backoff.WithContext(bo, ctx))
}

func (c *RetryClient) List(ctx context.Context, object string, params ListParams) (Page, error) {
	var page Page
	err := c.do(ctx, "list."+object, func() error {
		var err error
		page, err = c.inner.List(ctx, object, params)
		return err
	})
	return page, err
}

func (c *RetryClient) Retrieve(ctx context.Context, object, id string) (Object, error) {
	var obj Object
	err := c.do(ctx, "retrieve."+object, func() error {
		var err error
		obj, err = c.inner.Retrieve(ctx, object, id)
		return err
	})
	return obj, err
}

func (c *RetryClient) CreateQueryRun(ctx context.Context, sql string) (string, error) {
	var id string
	err := c.do(ctx, "query.create", func() error {
		var err error
		id, err = c.inner.CreateQueryRun(ctx, sql)
		return err
	})
	return id, err
}

func (c *RetryClient) GetQueryRun(ctx context.Context, id string) (QueryRun, error) {
	var run QueryRun
	err := c.do(ctx, "query.poll", func() error {
		var err error
		run, err = c.inner.GetQueryRun(ctx, id)
		return err
	})
	return run, err
}

func (c *RetryClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var body []byte
	err := c.do(ctx, "file.download", func() error {
		var err error
		body, err = c.inner.DownloadFile(ctx, fileID)
		return err
	})
	return body, err
}

// Package agent provides a pooled, redirect- and retry-aware HTTP client
// that speaks HTTP/1.1 and HTTP/2 over raw sockets it manages itself.
package agent

import (
	"context"
	"strings"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/conn"
	"github.com/corehttp/agent/pkg/cookiejar"
	"github.com/corehttp/agent/pkg/errors"
	"github.com/corehttp/agent/pkg/pool"
	"github.com/corehttp/agent/pkg/redirect"
	"github.com/corehttp/agent/pkg/retry"
	"github.com/corehttp/agent/pkg/runtime"
	"github.com/corehttp/agent/pkg/send"
	"github.com/corehttp/agent/pkg/timing"
	"github.com/corehttp/agent/pkg/uri"
)

// Version is the current version of this module.
const Version = "0.1.0"

// Re-export the component types callers configure an Agent with, so the
// common path only needs this package's import.
type (
	Headers        = body.Headers
	Source         = body.Source
	PipelineConfig = body.PipelineConfig
	ConnConfig     = conn.Config
	PoolConfig     = pool.Config
	PoolStats      = pool.Stats
	RedirectConfig = redirect.Config
	RetryConfig    = retry.Config
	Metrics        = timing.Metrics
	Error          = errors.Error
	ProxyConfig    = conn.ProxyConfig
)

// Config controls every tunable surface of an Agent.
type Config struct {
	Conn     ConnConfig
	Pool     PoolConfig
	Body     PipelineConfig
	Redirect RedirectConfig
	Retry    RetryConfig
	Runtime  runtime.Runtime

	// FollowRedirects disables the redirect loop entirely when false,
	// returning the raw 3xx response to the caller instead.
	FollowRedirects bool
	// UseCookieJar enables automatic Set-Cookie storage and Cookie replay
	// across the Agent's lifetime.
	UseCookieJar bool
}

// DefaultConfig returns the conventional defaults: redirects and cookies
// both on, gzip/br content-decoding and charset transcoding on, the
// standard retry and redirect budgets.
func DefaultConfig() Config {
	return Config{
		Pool:     pool.DefaultConfig(),
		Body:     PipelineConfig{AutoContentDecode: true, AutoCharsetDecode: true},
		Redirect: redirect.DefaultConfig(),
		Retry:    retry.DefaultConfig(),
		Runtime:  runtime.Default(),

		FollowRedirects: true,
		UseCookieJar:    true,
	}
}

// Agent composes a connection pool, a cookie jar, and the send/redirect/
// retry loops behind a single Do entry point. An Agent is safe to share
// across concurrent callers: the pool and jar each hold their own
// fine-grained locking.
type Agent struct {
	cfg  Config
	pool *pool.Pool
	jar  *cookiejar.Jar
	rt   runtime.Runtime
}

// New constructs an Agent from cfg. A zero-valued Pool config, a Retry
// config with neither Backoff nor MaxAttempts set, a Redirect config with
// MaxRedirects 0, and a nil Runtime are replaced by their defaults; Conn
// and Body are used as given.
func New(cfg Config) *Agent {
	if cfg.Pool == (pool.Config{}) {
		cfg.Pool = pool.DefaultConfig()
	}
	if cfg.Retry.Backoff == nil && cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Redirect.MaxRedirects == 0 {
		cfg.Redirect = redirect.DefaultConfig()
	}
	rt := cfg.Runtime
	if rt == nil {
		rt = runtime.Default()
	}
	if cfg.Retry.Sleep == nil {
		cfg.Retry.Sleep = rt.Sleep
	}

	return &Agent{
		cfg:  cfg,
		pool: pool.New(cfg.Pool, rt),
		jar:  cookiejar.New(),
		rt:   rt,
	}
}

// Do performs req, following redirects and retrying transport faults
// according to the Agent's configuration.
func (a *Agent) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := uri.Parse(req.URL)
	if err != nil {
		return nil, errors.NewValidationError("parsing request URL: " + err.Error())
	}

	rreq := &redirect.Request{
		Method:  strings.ToUpper(req.Method),
		Target:  target,
		Headers: req.Headers,
		Body:    req.Body,
	}

	var jar *cookiejar.Jar
	if a.cfg.UseCookieJar {
		jar = a.jar
	}

	exchanger := func(ctx context.Context, r *redirect.Request) (*send.Response, error) {
		return a.exchangeOnce(ctx, r)
	}

	// Retry wraps the entire redirect chain as one unit, not each hop: a
	// transport fault on hop 3 re-runs the chain from the original request
	// under the same retry budget, rather than resetting the budget at
	// every hop.
	run := func(ctx context.Context) (any, error) {
		if a.cfg.FollowRedirects {
			return redirect.Follow(ctx, exchanger, rreq, jar, a.cfg.Redirect)
		}
		return exchanger(ctx, rreq)
	}

	result, err := retry.Attempt(ctx, rreq.Method, rreq.Body, a.cfg.Retry, run)
	if err != nil {
		return nil, err
	}
	resp := result.(*send.Response)

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
	}, nil
}

// exchangeOnce acquires a Connection for r.Target's origin, drives one
// send.Do exchange, and arranges for the Connection to return to the
// pool (or be discarded) once the response body is closed.
func (a *Agent) exchangeOnce(ctx context.Context, r *redirect.Request) (*send.Response, error) {
	key := uri.PoolKey{Scheme: r.Target.Scheme, Host: r.Target.Host, Port: r.Target.Port}

	c, granted := a.pool.Acquire(key)
	if !granted {
		return nil, errors.NewConnectionError(key.Host, key.Port, nil)
	}
	if c == nil {
		dialed, err := conn.Dial(ctx, key, a.cfg.Conn, timing.NewTimer(), a.rt)
		if err != nil {
			return nil, err
		}
		a.pool.NoteCreated()
		c = dialed
	}

	resp, err := send.Do(ctx, c, &send.Request{
		Method:  r.Method,
		Target:  r.Target,
		Headers: r.Headers,
		Body:    r.Body,
	}, a.cfg.Body)
	if err != nil {
		a.pool.Discard(c)
		return nil, err
	}

	reusable := resp.ConnectionReusable
	resp.Body = &releasingBody{
		r: resp.Body,
		release: func(atEOF bool) {
			if reusable && atEOF {
				a.pool.Release(c)
			} else {
				a.pool.Discard(c)
			}
		},
	}

	return resp, nil
}

// PoolStats returns a snapshot of connection pool counters.
func (a *Agent) PoolStats() PoolStats { return a.pool.Stats() }

// Close shuts down the Agent's connection pool, closing all idle
// connections and stopping its eviction loop.
func (a *Agent) Close() error { return a.pool.Close() }

// Package health probes the freshly started service over HTTP.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"deployctl/internal/logger"
)

var log = logger.PackageLogger("health", "")

type Status int

const (
	Unhealthy Status = iota
	Healthy
)

func (s Status) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Probe describes one bounded polling run.
type Probe struct {
	Host        string
	Port        int
	Path        string
	MaxAttempts int
	Interval    time.Duration
}

func (p Probe) URL() string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d%s", host, p.Port, p.Path)
}

// Result is the outcome of a probe run. LastErr describes the final failed
// attempt when Status is Unhealthy.
type Result struct {
	Status   Status
	Attempts int
	LastErr  error
}

type Checker struct {
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Checker)

// WithClient replaces the HTTP client. Its timeout is left alone.
func WithClient(c *http.Client) Option {
	return func(ch *Checker) { ch.client = c }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(ch *Checker) { ch.sleep = fn }
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{sleep: sleepCtx}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Check polls the probe URL until it answers 2xx or MaxAttempts attempts
// have failed. Connection errors, timeouts and non-2xx statuses all count as
// one failed attempt. The wait happens only between attempts.
func (c *Checker) Check(ctx context.Context, p Probe) Result {
	client := c.client
	if client == nil {
		timeout := p.Interval
		if timeout < time.Second {
			timeout = time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	url := p.URL()
	res := Result{Status: Unhealthy}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err := get(ctx, client, url)
		if err == nil {
			log.Success("%s healthy after %d attempt(s)", url, attempt)
			res.Status = Healthy
			res.LastErr = nil
			return res
		}
		res.LastErr = err
		log.Debug("health attempt %d/%d failed: %v", attempt, p.MaxAttempts, err)

		if attempt == p.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, p.Interval); err != nil {
			res.LastErr = err
			return res
		}
	}

	log.Warn("%s still unhealthy after %d attempts: %v", url, res.Attempts, res.LastErr)
	return res
}

func get(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

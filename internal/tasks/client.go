package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nghyane/llm-failover/internal/json"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/provider"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPollInterval = time.Second
	defaultWaitTimeout  = 2 * time.Minute
	pollRequestTimeout  = 30 * time.Second
	maxErrorBody        = 4 << 10
)

// Config wires a Client to a task queue endpoint.
type Config struct {
	// ProviderID is stamped on every error raised by the client.
	ProviderID string
	BaseURL    string
	// TokenSource supplies the bearer credential. Nil sends no Authorization header.
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Headers     map[string]string
	// Store is shared with the webhook handler. Nil creates a private store.
	Store *Store
}

// Client submits tasks to a queue and waits for their outcome, consulting the
// shared store before every poll so webhook pushes are picked up for free.
type Client struct {
	providerID string
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	headers    map[string]string
	store      *Store
	polls      singleflight.Group
}

// NewClient creates a task queue client.
func NewClient(cfg Config) *Client {
	c := &Client{
		providerID: cfg.ProviderID,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		tokens:     cfg.TokenSource,
		httpClient: cfg.HTTPClient,
		headers:    cfg.Headers,
		store:      cfg.Store,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.store == nil {
		c.store = NewStore(0)
	}
	return c
}

// Store returns the store the client reconciles into.
func (c *Client) Store() *Store { return c.store }

// PostTask submits payload for the given modality and records the returned
// handle as the initial state of the task.
func (c *Client) PostTask(ctx context.Context, modality provider.Modality, payload any) (Handle, error) {
	body, err := json.Marshal(struct {
		Type    provider.Modality `json:"type"`
		Payload any               `json:"payload"`
	}{Type: modality, Payload: payload})
	if err != nil {
		return Handle{}, provider.Classify("encode task payload: "+err.Error(), provider.CodeValidation, c.providerID)
	}

	data, err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks", body)
	if err != nil {
		return Handle{}, err
	}
	root := gjson.ParseBytes(data)
	handle := Handle{
		ID:     strings.TrimSpace(root.Get("id").String()),
		Status: provider.TaskStatus(strings.ToLower(root.Get("status").String())),
	}
	if handle.ID == "" {
		return Handle{}, provider.Classify("task queue returned no task id", provider.CodeUnknown, c.providerID)
	}
	if !handle.Status.Valid() {
		handle.Status = provider.TaskQueued
	}
	c.store.Put(Task{ID: handle.ID, Status: handle.Status})

	log.WithFields(log.Fields{
		"provider": c.providerID,
		"modality": modality,
		"task_id":  handle.ID,
	}).Debug("task submitted")
	return handle, nil
}

// Poll fetches the current task state from the queue and merges it into the store.
// The returned task is the stored state, which may be further along than the poll.
func (c *Client) Poll(ctx context.Context, id string) (Task, error) {
	data, err := c.do(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return Task{}, err
	}
	t := ParseTask(data)
	if t.ID == "" {
		t.ID = id
	}
	stored, _ := c.store.Put(t)
	return stored, nil
}

// sharedPoll collapses concurrent polls for one id into a single request. The
// request is detached from any single waiter so one caller giving up does not
// fail the others.
func (c *Client) sharedPoll(ctx context.Context, id string) (Task, error) {
	ch := c.polls.DoChan(id, func() (any, error) {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pollRequestTimeout)
		defer cancel()
		return c.Poll(pollCtx, id)
	})
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Task{}, res.Err
		}
		return res.Val.(Task), nil
	}
}

// Lookup returns the cached state of a task, polling the queue on a miss.
func (c *Client) Lookup(ctx context.Context, id string) (Task, error) {
	if t, ok := c.store.Get(id); ok {
		return t, nil
	}
	return c.sharedPoll(ctx, id)
}

// WaitForResult blocks until the task reaches a terminal state or timeout
// elapses. A succeeded task is returned as is, a failed task becomes a
// non-retryable error, and running out of time yields a retryable timeout.
// When ctx ends first its cancellation is returned, and its deadline becomes a
// timeout naming the time actually waited.
func (c *Client) WaitForResult(ctx context.Context, id string, timeout, pollInterval time.Duration) (Task, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	start := time.Now()

	for {
		if t, ok := c.store.Get(id); ok && t.Status.Terminal() {
			return c.settle(t)
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return Task{}, c.timeoutError(id, timeout)
		}

		pollCtx, cancel := context.WithTimeout(ctx, remaining)
		t, err := c.sharedPoll(pollCtx, id)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, c.abandoned(ctx, id, start)
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return Task{}, c.timeoutError(id, timeout)
			}
			return Task{}, err
		}
		if t.Status.Terminal() {
			return c.settle(t)
		}

		remaining = timeout - time.Since(start)
		if remaining <= 0 {
			return Task{}, c.timeoutError(id, timeout)
		}
		if !sleepCtx(ctx, min(pollInterval, remaining)) {
			return Task{}, c.abandoned(ctx, id, start)
		}
	}
}

// SaveWebhookUpdate records a pushed task state. Repeating a terminal update
// is a no-op; the first terminal state for an id wins.
func (c *Client) SaveWebhookUpdate(update Task) (Task, error) {
	update.ID = strings.TrimSpace(update.ID)
	if update.ID == "" {
		return Task{}, provider.Classify("webhook payload is missing the task id", provider.CodeValidation, c.providerID)
	}
	stored, applied := c.store.Put(update)
	entry := log.WithFields(log.Fields{
		"task_id": update.ID,
		"status":  update.Status,
	})
	if applied {
		entry.Debug("webhook update stored")
	} else {
		entry.WithField("stored_status", stored.Status).Debug("webhook update ignored")
	}
	return stored, nil
}

func (c *Client) settle(t Task) (Task, error) {
	if t.Status == provider.TaskFailed {
		return t, t.failure(c.providerID)
	}
	return t, nil
}

func (c *Client) timeoutError(id string, timeout time.Duration) *provider.Error {
	return provider.Classify(fmt.Sprintf("task %s did not complete within %s", id, timeout), provider.CodeTimeout, c.providerID)
}

func (c *Client) abandoned(ctx context.Context, id string, start time.Time) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	waited := time.Since(start).Round(time.Millisecond)
	return provider.Classify(fmt.Sprintf("stopped waiting for task %s after %s: caller deadline exceeded", id, waited), provider.CodeTimeout, c.providerID)
}

// do performs one request against the queue and classifies failures.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, provider.Classify("build request: "+err.Error(), provider.CodeValidation, c.providerID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.tokens != nil {
		tok, errTok := c.tokens.Token()
		if errTok != nil || tok == nil || tok.AccessToken == "" {
			return nil, provider.Classify("missing task queue credential", provider.CodeAuth, c.providerID)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Classify("task queue request failed: "+err.Error(), provider.CodeUnavailable, c.providerID)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("task client: close response body error: %v", errClose)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Debugf("task client: %s %s status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(b)))
		return nil, provider.ClassifyHTTP(resp.StatusCode, strings.TrimSpace(string(b)), c.providerID)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Classify("read task queue response: "+err.Error(), provider.CodeUnavailable, c.providerID)
	}
	return data, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

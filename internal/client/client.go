// Package client talks to the mdflow HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = time.Second
	maxRetryDelay     = time.Minute
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mdflow api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mdflow api: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// UserID is sent in X-User-ID and keys the server-side rate limit.
	UserID string
	// MaxRetries bounds retries of 429 answers. Zero means the default of 5.
	MaxRetries int
	// RetryDelay is the first backoff when a 429 carries no Retry-After.
	RetryDelay time.Duration
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	userID     string
	maxRetries int
	retryDelay time.Duration
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		userID:     strings.TrimSpace(cfg.UserID),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

// SubmitRequest describes one PDF upload.
type SubmitRequest struct {
	Path       string
	Settings   domain.Settings
	WebhookURL string
}

// Submit uploads the PDF at req.Path and returns the pending job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	pdf, err := os.ReadFile(req.Path)
	if err != nil {
		return domain.Job{}, fmt.Errorf("read input: %w", err)
	}
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal settings: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "file",
		"filename": filepath.Base(req.Path),
	}))
	header.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(header)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := part.Write(pdf); err != nil {
		return domain.Job{}, err
	}
	if err := mw.WriteField("settings", string(settings)); err != nil {
		return domain.Job{}, err
	}
	if req.WebhookURL != "" {
		if err := mw.WriteField("webhookUrl", req.WebhookURL); err != nil {
			return domain.Job{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return domain.Job{}, err
	}

	payload := body.Bytes()
	resp, err := c.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", mw.FormDataContentType())
		return r, nil
	})
	if err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	return job, decodeJSON(resp, &job)
}

func (c *Client) Get(ctx context.Context, id string) (domain.Job, error) {
	resp, err := c.get(ctx, "/conversions/"+id)
	if err != nil {
		return domain.Job{}, err
	}
	var job domain.Job
	return job, decodeJSON(resp, &job)
}

// List returns every job the server knows, newest first.
func (c *Client) List(ctx context.Context) ([]domain.Job, error) {
	resp, err := c.get(ctx, "/conversions")
	if err != nil {
		return nil, err
	}
	var jobs []domain.Job
	return jobs, decodeJSON(resp, &jobs)
}

// Download writes the Markdown of a completed job to w and returns the
// filename the server suggested.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (string, error) {
	resp, err := c.get(ctx, "/conversions/"+id+"/download")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read markdown: %w", err)
	}

	filename := id + ".md"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = filepath.Base(params["filename"])
	}
	return filename, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	})
}

// do sends the request built by newRequest, retrying 429 answers. The wait
// honours Retry-After and otherwise doubles from retryDelay. Non-2xx answers
// come back as *APIError with the body closed.
func (c *Client) do(ctx context.Context, newRequest func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := newRequest()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		if c.userID != "" {
			req.Header.Set("X-User-ID", c.userID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= c.maxRetries {
			return nil, readAPIError(resp)
		}

		wait := retryAfter(resp.Header.Get("Retry-After"), c.retryDelay<<attempt)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func retryAfter(header string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return min(time.Duration(secs)*time.Second, maxRetryDelay)
	}
	return min(fallback, maxRetryDelay)
}

func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package formbridge is a Go client for the FormBridge intake API.
package formbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultURL     = "http://localhost:3000"
	DefaultTimeout = 10 * time.Second
	userAgent      = "formbridge-go-sdk/0.1.0"
)

var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Submission struct {
	SubmissionID  string
	IntakeID      string
	State         string
	ResumeToken   string
	Fields        map[string]any
	MissingFields []string
	CreatedAt     string
	UpdatedAt     string
	Raw           map[string]any
}

type FieldsResult struct {
	SubmissionID  string
	State         string
	ResumeToken   string
	MissingFields []string
	Raw           map[string]any
}

// Error is returned for every failed call. Connectivity is true when the
// server could not be reached at all, in which case StatusCode is zero.
type Error struct {
	StatusCode   int
	Type         string
	Code         string
	Message      string
	RequestID    string
	Connectivity bool
	Response     map[string]any
	err          error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Connectivity {
		return "formbridge: " + e.Message
	}
	return fmt.Sprintf("formbridge: status=%d type=%s message=%s", e.StatusCode, e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithMaxRetries caps retries on 429/5xx and connection failures. Values
// above the built-in backoff schedule are clamped to it.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = n } }

// NewClient builds a client. Empty baseURL and apiKey fall back to
// FORMBRIDGE_URL and FORMBRIDGE_API_KEY.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = os.Getenv("FORMBRIDGE_URL")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultURL
	}
	if apiKey == "" {
		apiKey = os.Getenv("FORMBRIDGE_API_KEY")
	}
	timeout := DefaultTimeout
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("FORMBRIDGE_TIMEOUT")), 64); err == nil && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: len(retryBackoffs),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.maxRetries > len(retryBackoffs) {
		c.maxRetries = len(retryBackoffs)
	}
	return c
}

// String never includes the API key.
func (c *Client) String() string {
	key := "unset"
	if c.apiKey != "" {
		key = "***"
	}
	return fmt.Sprintf("formbridge.Client{url=%s, apiKey=%s}", c.baseURL, key)
}

type CreateOptions struct {
	Fields         map[string]any
	Actor          *Actor
	IdempotencyKey string
}

func (c *Client) CreateSubmission(ctx context.Context, intakeID string, opts CreateOptions) (*Submission, error) {
	body := map[string]any{}
	if len(opts.Fields) > 0 {
		body["fields"] = opts.Fields
	}
	if opts.Actor != nil {
		body["actor"] = opts.Actor
	}
	if opts.IdempotencyKey != "" {
		body["idempotencyKey"] = opts.IdempotencyKey
	}
	data, err := c.do(ctx, http.MethodPost, submissionsPath(intakeID), body)
	if err != nil {
		return nil, err
	}
	sub := submissionFrom(data)
	// Create responses do not echo the intake id.
	if sub.IntakeID == "" {
		sub.IntakeID = intakeID
	}
	return sub, nil
}

func (c *Client) SetFields(ctx context.Context, intakeID, submissionID, resumeToken string, fields map[string]any, actor *Actor) (*FieldsResult, error) {
	body := map[string]any{"resumeToken": resumeToken, "fields": fields}
	if actor != nil {
		body["actor"] = actor
	}
	data, err := c.do(ctx, http.MethodPatch, submissionsPath(intakeID)+"/"+url.PathEscape(submissionID), body)
	if err != nil {
		return nil, err
	}
	return &FieldsResult{
		SubmissionID:  str(data, "submissionId"),
		State:         str(data, "state"),
		ResumeToken:   str(data, "resumeToken"),
		MissingFields: strList(data["missingFields"]),
		Raw:           data,
	}, nil
}

func (c *Client) Submit(ctx context.Context, intakeID, submissionID, resumeToken string, actor *Actor) (*Submission, error) {
	body := map[string]any{"resumeToken": resumeToken}
	if actor != nil {
		body["actor"] = actor
	}
	data, err := c.do(ctx, http.MethodPost, submissionsPath(intakeID)+"/"+url.PathEscape(submissionID)+"/submit", body)
	if err != nil {
		return nil, err
	}
	sub := submissionFrom(data)
	if sub.IntakeID == "" {
		sub.IntakeID = intakeID
	}
	return sub, nil
}

func (c *Client) GetSubmission(ctx context.Context, intakeID, submissionID string) (*Submission, error) {
	data, err := c.do(ctx, http.MethodGet, submissionsPath(intakeID)+"/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return nil, err
	}
	return submissionFrom(data), nil
}

func submissionsPath(intakeID string) string {
	return "/intake/" + url.PathEscape(intakeID) + "/submissions"
}

func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if len(payload) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				if serr := c.sleep(ctx, retryBackoffs[attempt]); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, &Error{Message: "connection failed: " + err.Error(), Connectivity: true, err: err}
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if serr := c.sleep(ctx, retryBackoffs[attempt]); serr != nil {
				return nil, serr
			}
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, parseError(resp.StatusCode, raw)
		}
		data := map[string]any{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, &Error{StatusCode: resp.StatusCode, Message: "invalid json response: " + err.Error(), err: err}
			}
		}
		return data, nil
	}
}

func parseError(status int, raw []byte) error {
	out := &Error{StatusCode: status, Message: "HTTP " + strconv.Itoa(status)}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return out
	}
	out.Response = obj
	out.RequestID = str(obj, "request_id")
	if inner, ok := obj["error"].(map[string]any); ok {
		out.Type = str(inner, "type")
		out.Code = str(inner, "code")
		if msg := str(inner, "message"); msg != "" {
			out.Message = msg
		}
	}
	return out
}

func submissionFrom(data map[string]any) *Submission {
	sub := &Submission{
		SubmissionID:  str(data, "submissionId"),
		IntakeID:      str(data, "intakeId"),
		State:         str(data, "state"),
		ResumeToken:   str(data, "resumeToken"),
		MissingFields: strList(data["missingFields"]),
		Fields:        map[string]any{},
		Raw:           data,
	}
	if f, ok := data["fields"].(map[string]any); ok {
		sub.Fields = f
	}
	meta, ok := data["metadata"].(map[string]any)
	if !ok {
		meta = data
	}
	sub.CreatedAt = str(meta, "createdAt")
	sub.UpdatedAt = str(meta, "updatedAt")
	return sub
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsConnectivity reports whether err means the server was unreachable.
func IsConnectivity(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Connectivity
}

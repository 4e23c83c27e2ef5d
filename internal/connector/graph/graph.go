// Package graph is a small client for Meta's Graph API, shared by the
// WhatsApp Cloud, Messenger and Instagram adapters.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// DefaultBaseURL is the versioned Graph API root.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

// Error is a Graph API error response.
type Error struct {
	Status  int
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Unwrap classifies the error: auth failures mean the session is gone,
// throttling and server errors are transient.
func (e *Error) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Code == 190:
		return protocol.ErrSessionUnavailable
	case e.Status == http.StatusTooManyRequests || e.Status >= 500:
		return protocol.ErrRecoverableChannel
	}
	return protocol.ErrSendRejected
}

// Client issues authenticated Graph API calls.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client. An empty base uses DefaultBaseURL.
func New(base, token string) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Post sends body as JSON to path and decodes the response into out (if non-nil).
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("graph: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Get fetches path and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Upload posts a multipart form with one file part named "file" (or fileField).
func (c *Client) Upload(ctx context.Context, path string, fields map[string]string, fileField, filename, mimeType string, r io.Reader, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if fileField == "" {
		fileField = "file"
	}
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filename)}
	h["Content-Type"] = []string{mimeType}
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("graph: upload: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, out)
}

// Download fetches an authenticated media URL, capped at limit bytes.
func (c *Client) Download(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: download: %w: %w", protocol.ErrRecoverableChannel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Status: resp.StatusCode, Message: "download failed"}
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("graph: %s: %w: %w", req.URL.Path, protocol.ErrRecoverableChannel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("graph: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *Error `json:"error"`
		}
		gerr := &Error{}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			gerr = envelope.Error
		} else {
			gerr.Message = strings.TrimSpace(string(body))
		}
		gerr.Status = resp.StatusCode
		return gerr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("graph: decode response: %w", err)
	}
	return nil
}

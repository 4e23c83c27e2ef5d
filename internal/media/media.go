// Package media stores message attachments under the content directory.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// MaxSize caps a stored attachment.
const MaxSize = 100 << 20

// Store writes attachments as <dir>/<tenant>/<uuid><ext>.
type Store struct {
	dir    string
	client *http.Client
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir, client: http.DefaultClient}
}

// Dir returns the content directory.
func (s *Store) Dir() string { return s.dir }

// Save persists the attachment and returns its path relative to the content
// directory and the stored media type.
func (s *Store) Save(ctx context.Context, tenantID string, ref *protocol.MediaRef) (string, string, error) {
	if ref == nil {
		return "", "", fmt.Errorf("media: nil reference: %w", protocol.ErrValidation)
	}
	r, err := s.open(ctx, ref)
	if err != nil {
		return "", "", err
	}
	defer r.Close()

	rel := filepath.Join(tenantID, uuid.NewString()+extension(ref))
	full := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", "", fmt.Errorf("media: mkdir: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return "", "", fmt.Errorf("media: create: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxSize {
		err = fmt.Errorf("larger than %d bytes: %w", MaxSize, protocol.ErrValidation)
	}
	if err != nil {
		os.Remove(full)
		return "", "", fmt.Errorf("media: write: %w", err)
	}

	mediaType := protocol.MediaTypeFromMIME(ref.MimeType)
	if mediaType == "" {
		mediaType = "application"
	}
	return filepath.ToSlash(rel), mediaType, nil
}

// Ref rebuilds a sendable reference for a stored media url. Absolute http(s)
// urls are passed through for the channel to fetch.
func (s *Store) Ref(mediaURL string) *protocol.MediaRef {
	if mediaURL == "" {
		return nil
	}
	if strings.HasPrefix(mediaURL, "http://") || strings.HasPrefix(mediaURL, "https://") {
		return &protocol.MediaRef{URL: mediaURL, MimeType: mimeOf(mediaURL), Filename: filepath.Base(mediaURL)}
	}
	return &protocol.MediaRef{
		Path:     filepath.Join(s.dir, filepath.FromSlash(mediaURL)),
		MimeType: mimeOf(mediaURL),
		Filename: filepath.Base(mediaURL),
	}
}

func (s *Store) open(ctx context.Context, ref *protocol.MediaRef) (io.ReadCloser, error) {
	switch {
	case ref.Open != nil:
		return ref.Open(ctx)
	case len(ref.Data) > 0:
		return io.NopCloser(bytes.NewReader(ref.Data)), nil
	case ref.Path != "":
		f, err := os.Open(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("media: open: %w", err)
		}
		return f, nil
	case ref.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("media: fetch: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("media: fetch: %w: %w", protocol.ErrRecoverableChannel, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("media: fetch: HTTP %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
	return nil, fmt.Errorf("media: reference has no source: %w", protocol.ErrValidation)
}

func extension(ref *protocol.MediaRef) string {
	if ext := filepath.Ext(ref.Filename); ext != "" {
		return strings.ToLower(ext)
	}
	if ref.MimeType != "" {
		if exts, _ := mime.ExtensionsByType(ref.MimeType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

func mimeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

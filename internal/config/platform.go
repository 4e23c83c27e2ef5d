package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// PlatformOptions holds parameters for fetching config from the control plane.
type PlatformOptions struct {
	PlatformURL string // e.g. https://console.example.com
	InstanceID  string
	APIKey      string
	DataDir     string // local data directory, default /data
}

// LoadFromPlatform fetches the instance configuration (channels, tenants,
// pacing) from the control plane API, prepares the local media directory and
// returns the parsed Config.
func LoadFromPlatform(opts PlatformOptions) (*Config, error) {
	if opts.DataDir == "" {
		opts.DataDir = "/data"
	}

	url := fmt.Sprintf("%s/api/instances/config", opts.PlatformURL)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("platform: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	req.Header.Set("X-Instance-ID", opts.InstanceID)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("platform: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform: HTTP %d: %s", resp.StatusCode, string(body))
	}

	cfg, err := decode(body, ".json")
	if err != nil {
		return nil, fmt.Errorf("platform: parse config: %w", err)
	}

	// Local paths never come from the control plane.
	cfg.Instance.DataDir = opts.DataDir
	cfg.Instance.MediaDir = ""
	if cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = ""
	}
	if opts.InstanceID != "" {
		cfg.Instance.ID = opts.InstanceID
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(cfg.Instance.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("platform: create media dir %q: %w", cfg.Instance.MediaDir, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return cfg, nil
}

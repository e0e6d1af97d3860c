// Package pathsafe is the project glue for the foodborne-pathogen project's
// validator.
//
// Its workflow assembles the uploaded reads; the assembly is published with a
// time-limited download link and submitted to Pathogenwatch, whose genome
// identifier is written back onto the record.
package pathsafe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/climb-tre/conduit/internal/config"
)

// Sentinel errors for Pathogenwatch submission.
var (
	// ErrPathogenwatchURLEmpty is returned when no Pathogenwatch URL is configured.
	ErrPathogenwatchURLEmpty = errors.New("pathogenwatch URL cannot be empty")

	// ErrPathogenwatchKeyEmpty is returned when no Pathogenwatch API key is configured.
	ErrPathogenwatchKeyEmpty = errors.New("pathogenwatch API key cannot be empty")

	// ErrPathogenwatchRejected is returned when Pathogenwatch refuses a genome.
	ErrPathogenwatchRejected = errors.New("pathogenwatch rejected the genome submission")
)

const defaultPathogenwatchTimeout = 5 * time.Minute

type (
	// PathogenwatchConfig holds the external registry's connection settings.
	PathogenwatchConfig struct {
		BaseURL string
		apiKey  string
		Timeout time.Duration
	}

	// Pathogenwatch submits assembled genomes to the external registry.
	Pathogenwatch struct {
		baseURL string
		apiKey  string
		http    *http.Client
	}
)

// LoadPathogenwatchConfig loads registry configuration from environment variables.
func LoadPathogenwatchConfig() *PathogenwatchConfig {
	return &PathogenwatchConfig{
		BaseURL: config.GetEnvStr("PATHOGENWATCH_URL", ""),
		apiKey:  config.GetEnvStr("PATHOGENWATCH_API_KEY", ""),
		Timeout: config.GetEnvDuration("PATHOGENWATCH_TIMEOUT", defaultPathogenwatchTimeout),
	}
}

// Validate checks if the registry configuration is valid.
func (c *PathogenwatchConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrPathogenwatchURLEmpty
	}

	if c.apiKey == "" {
		return ErrPathogenwatchKeyEmpty
	}

	return nil
}

// NewPathogenwatch creates a registry client from configuration.
func NewPathogenwatch(cfg *PathogenwatchConfig) (*Pathogenwatch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Pathogenwatch{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.apiKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Submit uploads an assembled genome under the given name and returns the
// registry's genome identifier.
func (p *Pathogenwatch) Submit(ctx context.Context, name string, assembly []byte) (string, error) {
	url := fmt.Sprintf("%s/api/genomes?name=%s", p.baseURL, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(assembly))
	if err != nil {
		return "", fmt.Errorf("failed to build pathogenwatch request: %w", err)
	}

	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach pathogenwatch: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read pathogenwatch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: status %d", ErrPathogenwatchRejected, resp.StatusCode)
	}

	var submitted struct {
		ID string `json:"id"`
	}

	if err := json.Unmarshal(body, &submitted); err != nil {
		return "", fmt.Errorf("failed to decode pathogenwatch response: %w", err)
	}

	if submitted.ID == "" {
		return "", fmt.Errorf("%w: response carried no genome id", ErrPathogenwatchRejected)
	}

	return submitted.ID, nil
}

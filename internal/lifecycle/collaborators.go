package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/siteloop/optimizer/internal/api"
)

// WebhookPublisher publishes artifacts by calling an external deploy
// service over HTTP.
type WebhookPublisher struct {
	baseURL string
	client  *http.Client
}

// NewWebhookPublisher creates a publisher that POSTs publish/revert
// requests to the given base URL.
func NewWebhookPublisher(baseURL string) *WebhookPublisher {
	return &WebhookPublisher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, siteID, contentRef string) error {
	return p.post(ctx, "/publish", map[string]string{
		"site_id":     siteID,
		"content_ref": contentRef,
	})
}

func (p *WebhookPublisher) Revert(ctx context.Context, siteID string) error {
	return p.post(ctx, "/revert", map[string]string{"site_id": siteID})
}

func (p *WebhookPublisher) CurrentRef(ctx context.Context, siteID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/current?site_id="+url.QueryEscape(siteID), nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("current ref request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("current ref request returned %d", resp.StatusCode)
	}

	var body struct {
		ContentRef string `json:"content_ref"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode current ref: %w", err)
	}
	return body.ContentRef, nil
}

func (p *WebhookPublisher) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish request returned %d", resp.StatusCode)
	}
	return nil
}

// MemoryPublisher tracks the live ref per site in memory. Used for
// tests and single-node setups without a deploy service.
type MemoryPublisher struct {
	mu   sync.Mutex
	refs map[string]string
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{refs: make(map[string]string)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, siteID, contentRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[siteID] = contentRef
	return nil
}

func (p *MemoryPublisher) Revert(ctx context.Context, siteID string) error {
	return nil
}

func (p *MemoryPublisher) CurrentRef(ctx context.Context, siteID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs[siteID], nil
}

// WebhookGenerator fetches hypotheses and treatment artifacts from an
// external generation service over HTTP.
type WebhookGenerator struct {
	baseURL string
	client  *http.Client
}

// NewWebhookGenerator creates a generator backed by the given base URL.
func NewWebhookGenerator(baseURL string) *WebhookGenerator {
	return &WebhookGenerator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *WebhookGenerator) Next(ctx context.Context, siteID string) (*api.Hypothesis, error) {
	var h api.Hypothesis
	if err := g.post(ctx, "/hypothesis", map[string]string{"site_id": siteID}, &h); err != nil {
		return nil, err
	}
	if h.Text == "" {
		return nil, fmt.Errorf("generator returned empty hypothesis")
	}
	return &h, nil
}

func (g *WebhookGenerator) Render(ctx context.Context, siteID string, h api.Hypothesis) (string, error) {
	var body struct {
		ContentRef string `json:"content_ref"`
	}
	err := g.post(ctx, "/render", map[string]any{
		"site_id":    siteID,
		"hypothesis": h,
	}, &body)
	if err != nil {
		return "", err
	}
	if body.ContentRef == "" {
		return "", fmt.Errorf("generator returned empty content ref")
	}
	return body.ContentRef, nil
}

func (g *WebhookGenerator) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("generator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generator request returned %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// NoopGenerator is used when no generation service is configured. The
// backlog can still be seeded and rotated; refills fail until a real
// generator is wired.
type NoopGenerator struct{}

func (NoopGenerator) Next(ctx context.Context, siteID string) (*api.Hypothesis, error) {
	return nil, fmt.Errorf("no hypothesis generator configured")
}

func (NoopGenerator) Render(ctx context.Context, siteID string, h api.Hypothesis) (string, error) {
	return fmt.Sprintf("generated:%s:%s", h.ChangeType, h.Text), nil
}

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

const maxCatalogBytes = 4 << 20

// RemoteProvider fetches the catalog from an HTTP endpoint and keeps the
// last good copy cached. Until the first successful fetch, and whenever the
// endpoint misbehaves, lookups fall back to the static provider.
type RemoteProvider struct {
	url      string
	client   *http.Client
	fallback Provider
	logger   *log.Logger

	mu    sync.RWMutex
	cache map[string]models.Playbook
}

func NewRemoteProvider(url string, fallback Provider, logger *log.Logger) *RemoteProvider {
	if logger == nil {
		logger = log.Default()
	}
	return &RemoteProvider{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		fallback: fallback,
		logger:   logger,
	}
}

// Refresh fetches the catalog once. The endpoint returns a JSON body of the
// form {"playbooks": [...]}. A failed fetch keeps the previous cache.
func (p *RemoteProvider) Refresh(ctx context.Context) error {
	if p == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch catalog %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch catalog %s: unexpected status %d", p.url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return fmt.Errorf("read catalog body: %w", err)
	}
	var payload struct {
		Playbooks []models.Playbook `json:"playbooks"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode catalog body: %w", err)
	}
	cache := make(map[string]models.Playbook, len(payload.Playbooks))
	for _, playbook := range payload.Playbooks {
		if err := validatePlaybook(playbook); err != nil {
			return err
		}
		cache[playbook.Key] = playbook
	}
	p.mu.Lock()
	p.cache = cache
	p.mu.Unlock()
	return nil
}

// RefreshLoop refreshes on the given interval until ctx is cancelled. Fetch
// errors are logged and retried next tick.
func (p *RemoteProvider) RefreshLoop(ctx context.Context, interval time.Duration) {
	if p == nil || interval <= 0 {
		return
	}
	if err := p.Refresh(ctx); err != nil {
		p.logger.Printf("fleetdeckd: catalog refresh: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Printf("fleetdeckd: catalog refresh: %v", err)
			}
		}
	}
}

func (p *RemoteProvider) Get(key string) (models.Playbook, bool) {
	if p == nil {
		return models.Playbook{}, false
	}
	p.mu.RLock()
	playbook, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return playbook, true
	}
	if p.fallback != nil {
		return p.fallback.Get(key)
	}
	return models.Playbook{}, false
}

func (p *RemoteProvider) List() []models.Playbook {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	size := len(p.cache)
	out := make([]models.Playbook, 0, size)
	for _, playbook := range p.cache {
		out = append(out, playbook)
	}
	p.mu.RUnlock()
	if len(out) == 0 && p.fallback != nil {
		return p.fallback.List()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

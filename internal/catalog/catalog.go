// Package catalog provides the playbook catalog: named, versioned command
// templates operators dispatch as orders. The catalog is a swappable data
// provider with two implementations: a static one backed by embedded
// defaults plus optional on-disk overrides, and a remote one that fetches
// from an HTTP endpoint and falls back to static data when the fetch fails.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fleetdeck/fleetdeck/internal/models"
)

//go:embed playbooks.yaml
var builtinYAML []byte

// Provider resolves playbooks by key.
type Provider interface {
	Get(key string) (models.Playbook, bool)
	List() []models.Playbook
}

type catalogFile struct {
	Playbooks []models.Playbook `yaml:"playbooks"`
}

// StaticProvider serves the embedded default catalog, optionally overlaid
// with *.yaml files from a directory. Directory entries win over builtins
// with the same key.
type StaticProvider struct {
	mu        sync.RWMutex
	playbooks map[string]models.Playbook
}

// NewStaticProvider builds a provider from the embedded defaults.
func NewStaticProvider() (*StaticProvider, error) {
	p := &StaticProvider{playbooks: make(map[string]models.Playbook)}
	if err := p.mergeYAML(builtinYAML); err != nil {
		return nil, fmt.Errorf("parse builtin catalog: %w", err)
	}
	return p, nil
}

// LoadDir overlays every *.yaml and *.yml file in dir. A missing directory
// is not an error; operators often run without local overrides.
func (p *StaticProvider) LoadDir(dir string) error {
	if p == nil || strings.TrimSpace(dir) == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read catalog file %s: %w", entry.Name(), err)
		}
		if err := p.mergeYAML(data); err != nil {
			return fmt.Errorf("parse catalog file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (p *StaticProvider) mergeYAML(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, playbook := range file.Playbooks {
		if err := validatePlaybook(playbook); err != nil {
			return err
		}
		p.playbooks[playbook.Key] = playbook
	}
	return nil
}

func (p *StaticProvider) Get(key string) (models.Playbook, bool) {
	if p == nil {
		return models.Playbook{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	playbook, ok := p.playbooks[key]
	return playbook, ok
}

func (p *StaticProvider) List() []models.Playbook {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Playbook, 0, len(p.playbooks))
	for _, playbook := range p.playbooks {
		out = append(out, playbook)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func validatePlaybook(playbook models.Playbook) error {
	if strings.TrimSpace(playbook.Key) == "" {
		return fmt.Errorf("playbook %q: key is required", playbook.Title)
	}
	if strings.TrimSpace(playbook.Command) == "" {
		return fmt.Errorf("playbook %s: command is required", playbook.Key)
	}
	switch playbook.Category {
	case models.OrderInstallation, models.OrderUpdate, models.OrderSecurity,
		models.OrderMaintenance, models.OrderDetection:
	default:
		return fmt.Errorf("playbook %s: unknown category %q", playbook.Key, playbook.Category)
	}
	return nil
}

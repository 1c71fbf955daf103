// Package bundle loads bundle definitions (model/provider/tool recipes)
// from YAML files on disk, resolves provider credentials from the
// environment, and watches the bundle directory for hot-reload.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ProviderPriority is the fixed auto-detection order named in spec §6's
// environment variable table.
var ProviderPriority = []string{"anthropic", "openai", "azure_openai", "google"}

// providerEnvVar maps a provider id to the environment variable whose
// presence enables it.
var providerEnvVar = map[string]string{
	"anthropic":    "ANTHROPIC_API_KEY",
	"openai":       "OPENAI_API_KEY",
	"azure_openai": "AZURE_OPENAI_API_KEY",
	"google":       "GOOGLE_API_KEY",
}

// Definition is one bundle's on-disk shape.
type Definition struct {
	Name      string   `yaml:"name"`
	Provider  string   `yaml:"provider,omitempty"`
	Model     string   `yaml:"model,omitempty"`
	Behaviors []string `yaml:"behaviors,omitempty"`
	Prompt    string   `yaml:"prompt,omitempty"`
}

// DetectProvider returns the first provider in ProviderPriority whose
// API key environment variable is set, or "" if none is.
func DetectProvider() string {
	for _, p := range ProviderPriority {
		if os.Getenv(providerEnvVar[p]) != "" {
			return p
		}
	}
	return ""
}

// Manager loads and caches bundle definitions from a directory,
// optionally watching it for changes.
type Manager struct {
	dir string

	mu        sync.RWMutex
	bundles   map[string]*Definition
	watcher   *fsnotify.Watcher
	onReload  func(name string)
}

// NewManager creates a Manager rooted at dir. dir need not exist yet;
// LoadAll calls before it does simply find nothing.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:     dir,
		bundles: make(map[string]*Definition),
	}
}

// LoadAll reads every *.yaml/*.yml file in the bundle directory.
func (m *Manager) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read bundle dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		def, err := m.loadFile(filepath.Join(m.dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping invalid bundle file")
			continue
		}
		m.bundles[def.Name] = def
	}
	return nil
}

func (m *Manager) loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// Get returns a bundle by name. When no bundle is registered under an
// empty name or "default", it returns an inline definition named
// "default" whose provider is DetectProvider's result, and errors if no
// provider API key is set. Any other unknown name is an error.
func (m *Manager) Get(name string) (*Definition, error) {
	m.mu.RLock()
	def, ok := m.bundles[name]
	m.mu.RUnlock()
	if ok {
		return def, nil
	}
	if name == "" || name == "default" {
		provider := DetectProvider()
		if provider == "" {
			return nil, fmt.Errorf("no bundle named %q and no provider API key set in environment", name)
		}
		return &Definition{Name: "default", Provider: provider}, nil
	}
	return nil, fmt.Errorf("bundle %q not found", name)
}

// Register adds or replaces a bundle definition supplied inline (the
// session.create command's bundle_definition parameter).
func (m *Manager) Register(def *Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[def.Name] = def
}

// Watch starts an fsnotify watch on the bundle directory, reloading a
// changed file's definition and invoking onReload with its name. Watch
// is a no-op if the directory does not exist.
func (m *Manager) Watch(ctx context.Context, onReload func(name string)) error {
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create bundle watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch bundle dir: %w", err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.onReload = onReload
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			def, err := m.loadFile(event.Name)
			if err != nil {
				log.Warn().Err(err).Str("file", event.Name).Msg("bundle reload failed")
				continue
			}
			m.mu.Lock()
			m.bundles[def.Name] = def
			reload := m.onReload
			m.mu.Unlock()
			if reload != nil {
				reload(def.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("bundle watcher error")
		}
	}
}

// Close stops the bundle watcher, if running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// List returns every loaded bundle's name.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.bundles))
	for name := range m.bundles {
		out = append(out, name)
	}
	return out
}

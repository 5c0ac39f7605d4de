// Package config loads and watches the gateway configuration. YAML is the
// primary format; .json configs are accepted with comments and trailing
// commas via hujson standardization.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/nvkh/llmbridge/internal/canonical"
	"github.com/nvkh/llmbridge/internal/json"
	log "github.com/nvkh/llmbridge/internal/logging"
)

// Protocol names a backend's wire dialect.
type Protocol string

const (
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolOpenAI    Protocol = "openai"
	ProtocolGemini    Protocol = "gemini"
)

// SchemaCaps mirrors canonical.SchemaCapabilities with YAML tags.
type SchemaCaps struct {
	Const    *bool    `yaml:"const" json:"const"`
	Nullable *bool    `yaml:"nullable" json:"nullable"`
	Formats  []string `yaml:"formats" json:"formats"`
	Strip    []string `yaml:"strip" json:"strip"`
}

// Caps is the per-backend capability descriptor. Encoders consult it instead
// of string-matching on model names.
type Caps struct {
	Thinking        *bool      `yaml:"thinking" json:"thinking"`
	ToolChoiceModes []string   `yaml:"tool_choice_modes" json:"tool_choice_modes"`
	Schema          SchemaCaps `yaml:"schema" json:"schema"`
}

// Backend describes one upstream endpoint.
type Backend struct {
	Protocol Protocol `yaml:"protocol" json:"protocol"`
	BaseURL  string   `yaml:"base_url" json:"base_url"`
	APIKey   string   `yaml:"api_key" json:"api_key"`
	Models   []string `yaml:"models" json:"models"`
	Caps     Caps     `yaml:"capabilities" json:"capabilities"`
}

// Limits bounds per-session accumulation; zero fields use defaults.
type Limits struct {
	MaxThinkingBytes int `yaml:"max_thinking_bytes" json:"max_thinking_bytes"`
	MaxBlocks        int `yaml:"max_blocks" json:"max_blocks"`
}

type Config struct {
	Listen    string             `yaml:"listen" json:"listen"`
	AuthToken string             `yaml:"auth_token" json:"auth_token"`
	LogLevel  string             `yaml:"log_level" json:"log_level"`
	LogFile   string             `yaml:"log_file" json:"log_file"`
	Limits    Limits             `yaml:"limits" json:"limits"`
	Backends  map[string]Backend `yaml:"backends" json:"backends"`

	mu sync.RWMutex `yaml:"-" json:"-"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, herr := hujson.Standardize(raw)
		if herr != nil {
			return nil, fmt.Errorf("standardize config: %w", herr)
		}
		if err := json.Unmarshal(std, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: no backends defined")
	}
	for name, b := range c.Backends {
		switch b.Protocol {
		case ProtocolAnthropic, ProtocolOpenAI, ProtocolGemini:
		default:
			return fmt.Errorf("config: backend %q has unknown protocol %q", name, b.Protocol)
		}
		if b.BaseURL == "" {
			return fmt.Errorf("config: backend %q has no base_url", name)
		}
	}
	return nil
}

// BackendFor resolves the backend serving model. Resolution is a plain
// config lookup: an exact model match first, then the first backend with no
// model list (catch-all) in name order, so ties resolve the same way on
// every call.
func (c *Config) BackendFor(model string) (string, Backend, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	var fallbackName string
	var fallback Backend
	haveFallback := false
	for _, name := range names {
		b := c.Backends[name]
		for _, m := range b.Models {
			if m == model {
				return name, b, true
			}
		}
		if len(b.Models) == 0 && !haveFallback {
			fallbackName, fallback, haveFallback = name, b, true
		}
	}
	return fallbackName, fallback, haveFallback
}

// Replace swaps the mutable sections after a hot reload.
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	c.Backends = next.Backends
	c.Limits = next.Limits
	c.mu.Unlock()
}

// Capabilities converts the backend's descriptor to the canonical form,
// filling protocol defaults for unset fields.
func (b Backend) Capabilities() canonical.Capabilities {
	caps := defaultCapabilities(b.Protocol)
	if b.Caps.Thinking != nil {
		caps.Thinking = *b.Caps.Thinking
	}
	if b.Caps.ToolChoiceModes != nil {
		caps.ToolChoiceModes = b.Caps.ToolChoiceModes
	}
	if b.Caps.Schema.Const != nil {
		caps.Schema.Const = *b.Caps.Schema.Const
	}
	if b.Caps.Schema.Nullable != nil {
		caps.Schema.Nullable = *b.Caps.Schema.Nullable
	}
	if b.Caps.Schema.Formats != nil {
		caps.Schema.Formats = b.Caps.Schema.Formats
	}
	if b.Caps.Schema.Strip != nil {
		caps.Schema.Strip = append(caps.Schema.Strip, b.Caps.Schema.Strip...)
	}
	return caps
}

func defaultCapabilities(p Protocol) canonical.Capabilities {
	switch p {
	case ProtocolAnthropic:
		return canonical.Capabilities{
			Thinking:        true,
			ToolChoiceModes: []string{"auto", "any", "tool", "none"},
			Schema: canonical.SchemaCapabilities{
				Const: false,
			},
		}
	case ProtocolGemini:
		return canonical.Capabilities{
			Thinking:        true,
			ToolChoiceModes: []string{"auto", "any", "none"},
			Schema: canonical.SchemaCapabilities{
				Const:    false,
				Nullable: true,
				Formats:  []string{"enum", "date-time"},
				Strip:    []string{"additionalProperties", "default", "$defs", "$ref"},
			},
		}
	default:
		return canonical.Capabilities{
			Thinking:        true,
			ToolChoiceModes: []string{"auto", "none", "required"},
			Schema: canonical.SchemaCapabilities{
				Const: true,
			},
		}
	}
}

// SessionLimits converts the configured limits for the reconciler.
func (c *Config) SessionLimits() (maxThinking, maxBlocks int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Limits.MaxThinkingBytes, c.Limits.MaxBlocks
}

// Watch hot-reloads the backend table when the config file changes.
// Returns a stop function.
func Watch(path string, cfg *Config) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				next, lerr := Load(path)
				if lerr != nil {
					log.WithError(lerr).Errorf("config reload failed, keeping previous")
					continue
				}
				cfg.Replace(next)
				log.Infof("config reloaded: %d backends", len(next.Backends))
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(werr).Warnf("config watcher error")
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}

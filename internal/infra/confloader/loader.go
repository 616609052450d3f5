package confloader

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the default environment variable prefix.
const DefaultEnvPrefix = "MAILSYNC_"

// envSeparator separates nesting levels in environment variable names.
const envSeparator = "__"

// Loader loads configuration from multiple sources.
type Loader struct {
	mu        sync.RWMutex
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	overrides []map[string]any
}

// Option is a function that configures the Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FilePath returns the configured file path, if any.
func (l *Loader) FilePath() string {
	return l.filePath
}

// Load reads the file and the environment, applies maps registered with
// LoadMap and unmarshals the result over target.
func (l *Loader) Load(target any) error {
	k, err := l.build()
	if err != nil {
		return err
	}
	if err := k.Unmarshal("", target); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return nil
}

// Reload re-reads every source into target and returns the keys whose
// values changed since the previous Load or Reload. target should carry
// defaults, as for Load.
func (l *Loader) Reload(target any) ([]string, error) {
	k, err := l.build()
	if err != nil {
		return nil, err
	}
	if err := k.Unmarshal("", target); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	l.mu.Lock()
	prev := l.k
	l.k = k
	l.mu.Unlock()

	return Changed(prev.All(), k.All()), nil
}

func (l *Loader) build() (*koanf.Koanf, error) {
	k := koanf.New(".")

	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	if err := k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	l.mu.RLock()
	overrides := l.overrides
	l.mu.RUnlock()
	for _, m := range overrides {
		if err := k.Load(mapProvider(m), nil); err != nil {
			return nil, fmt.Errorf("load map: %w", err)
		}
	}
	return k, nil
}

// envKey maps MAILSYNC_SYNC__EVENT_THRESHOLD to sync.event_threshold.
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, envSeparator, ".")
}

// LoadMap registers a map of dotted keys that overrides the file and the
// environment on every Load and Reload. Nil and empty maps are ignored.
func (l *Loader) LoadMap(data map[string]any) {
	if len(data) == 0 {
		return
	}
	l.mu.Lock()
	l.overrides = append(l.overrides, data)
	l.mu.Unlock()
}

// String returns a string value from the last loaded configuration.
func (l *Loader) String(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.String(key)
}

// Keys returns all keys of the last loaded configuration, sorted.
func (l *Loader) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := l.k.Keys()
	sort.Strings(keys)
	return keys
}

// Changed returns the sorted keys whose values differ between two flattened
// configurations, including keys present in only one of them.
func Changed(prev, next map[string]any) []string {
	var keys []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/proofshell/pfs/pkg/config/provider"
)

// Loader turns raw provider bytes into a validated *Config: parse,
// expand ${VAR} references, decode, apply defaults, validate.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange registers a callback invoked with each successfully
// reloaded config while Watch is running.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader wraps a provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and materializes the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	raw, err := decodeMap(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{}
	if err := decodeConfig(expandEnv(raw), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Watch blocks reloading the config on every provider change signal
// until ctx is done. A reload that fails keeps the previous config; a
// reload that succeeds is handed to the onChange callback.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if changes == nil {
		slog.Info("config watching not supported", "provider", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}

		cfg, err := l.Load(ctx)
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		slog.Info("config reloaded", "provider", l.provider.Type())
		if l.onChange != nil {
			l.onChange(cfg)
		}
	}
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// decodeMap parses config bytes as YAML, falling back to JSON so a
// .json config file also works.
func decodeMap(data []byte) (map[string]any, error) {
	var out map[string]any
	if yerr := yaml.Unmarshal(data, &out); yerr != nil {
		if jerr := json.Unmarshal(data, &out); jerr != nil {
			return nil, yerr
		}
	}
	return out, nil
}

func decodeConfig(input map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// envRefPattern matches ${VAR}, ${VAR:-default} and bare $VAR.
var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv walks a decoded config map replacing environment
// references in every string it finds.
func expandEnv(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandAny(v)
	}
	return out
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return envRefPattern.ReplaceAllStringFunc(val, resolveEnvRef)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandAny(item)
		}
		return out
	default:
		return v
	}
}

func resolveEnvRef(ref string) string {
	if !strings.HasPrefix(ref, "${") {
		return os.Getenv(ref[1:])
	}

	inner := ref[2 : len(ref)-1]
	name, fallback, hasDefault := strings.Cut(inner, ":-")
	if val := os.Getenv(name); val != "" {
		return val
	}
	if hasDefault {
		return fallback
	}
	return ""
}

// LoadConfig builds a provider from opts and loads through it. The
// returned Loader owns the provider; callers keep it for Watch/Close.
func LoadConfig(ctx context.Context, opts provider.ProviderConfig) (*Config, *Loader, error) {
	p, err := provider.New(opts)
	if err != nil {
		return nil, nil, err
	}

	loader := NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// LoadConfigFile loads from a local file path.
func LoadConfigFile(ctx context.Context, path string) (*Config, *Loader, error) {
	return LoadConfig(ctx, provider.ProviderConfig{Type: provider.TypeFile, Path: path})
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".kafpage"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. KAFPAGE_CONFIG wins; a
// leading ~ resolves against the KafPage home.
func ConfigPath() (string, error) {
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	if explicit := strings.TrimSpace(os.Getenv("KAFPAGE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("KAFPAGE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// envGroups maps each config group to its environment prefix.
func envGroups(cfg *Config) map[string]any {
	return map[string]any{
		"KAFPAGE_PATHS":   &cfg.Paths,
		"KAFPAGE_STORE":   &cfg.Store,
		"KAFPAGE_INTAKE":  &cfg.Intake,
		"KAFPAGE_OBJECTS": &cfg.Objects,
		"KAFPAGE_NOTIFY":  &cfg.Notify,
		"KAFPAGE_DRIVER":  &cfg.Driver,
		"KAFPAGE_EVENTS":  &cfg.Events,
		"KAFPAGE_ACK":     &cfg.Ack,
		"KAFPAGE":         &cfg.Log,
	}
}

// Load builds the configuration. Priority: environment > file > defaults.
// A missing config file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		normalize(cfg)
		return cfg, nil
	}
	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	for prefix, group := range envGroups(cfg) {
		if err := envconfig.Process(prefix, group); err != nil {
			return nil, fmt.Errorf("env %s: %w", prefix, err)
		}
	}

	normalize(cfg)
	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads path, applies $include files beneath it and
// substitutes ${VAR} references.
func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includes, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		for _, inc := range includes {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(absPath), inc)
			}
			child, err := loadConfigObject(inc, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
		delete(raw, "$include")
	}
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

// deepMerge copies src into dst, merging nested objects key by key.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}

package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// EnvFileVar names an extra env file read before the default locations.
const EnvFileVar = "KAFPAGE_ENV_FILE"

// envFileCandidates lists env files in load order. The per-install file
// follows KAFPAGE_HOME like the config file does.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVar)); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "kafpage", "env"))
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, "env"))
	}
	return out
}

// LoadEnvFileCandidates applies every env file that exists and returns the
// ones it read. Earlier files win, and variables already set in the
// process are never overridden.
func LoadEnvFileCandidates() []string {
	var loaded []string
	seen := map[string]bool{}
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		n, err := loadEnvFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("Env file unreadable", "path", p, "error", err)
			continue
		}
		slog.Debug("Env file loaded", "path", p, "vars", n)
		loaded = append(loaded, p)
	}
	return loaded
}

// loadEnvFile sets the variables in path that are not yet set and returns
// how many it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// Env files carry the SMTP password and Slack token.
	if info, err := f.Stat(); err == nil && runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		slog.Warn("Env file readable by other users", "path", path, "mode", fmt.Sprintf("%#o", info.Mode().Perm()))
	}

	set := 0
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
				slog.Warn("Env file line ignored", "path", path, "line", lineNo)
			}
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("set %s: %w", key, err)
		}
		set++
	}
	if err := sc.Err(); err != nil {
		return set, fmt.Errorf("read env file %s: %w", path, err)
	}
	return set, nil
}

// parseEnvLine splits a KEY=VALUE line, accepting an "export " prefix.
// Blank lines and comments report ok=false.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, unquoteEnvValue(strings.TrimSpace(val)), true
}

// unquoteEnvValue handles "double" (with Go escapes), 'single' (literal)
// and bare values, where a " #" starts a trailing comment.
func unquoteEnvValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if s, err := strconv.Unquote(v); err == nil {
			return s
		}
		return v[1 : len(v)-1]
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

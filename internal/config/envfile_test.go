package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env")
	content := `
# comment
export KAFPAGE_T_FOO=bar
KAFPAGE_T_QUOTED="hello world"
KAFPAGE_T_SINGLE='x y'
KAFPAGE_T_BARE=smtp.example.com:587 # relay
INVALID_LINE
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KAFPAGE_T_FOO", "existing")
	for _, key := range []string{"KAFPAGE_T_QUOTED", "KAFPAGE_T_SINGLE", "KAFPAGE_T_BARE"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	n, err := loadEnvFile(envPath)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 variables set, got %d", n)
	}
	if got := os.Getenv("KAFPAGE_T_FOO"); got != "existing" {
		t.Fatalf("expected existing value preserved, got %q", got)
	}
	if got := os.Getenv("KAFPAGE_T_QUOTED"); got != "hello world" {
		t.Fatalf("expected double-quoted value, got %q", got)
	}
	if got := os.Getenv("KAFPAGE_T_SINGLE"); got != "x y" {
		t.Fatalf("expected single-quoted value, got %q", got)
	}
	if got := os.Getenv("KAFPAGE_T_BARE"); got != "smtp.example.com:587" {
		t.Fatalf("expected trailing comment dropped, got %q", got)
	}
}

func TestLoadEnvFileCandidatesFromExplicitPath(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "kafpage.env")
	if err := os.WriteFile(envPath, []byte("KAFPAGE_T_EXPLICIT=42\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KAFPAGE_HOME", "")
	t.Setenv(EnvFileVar, envPath)
	t.Setenv("KAFPAGE_T_EXPLICIT", "")
	_ = os.Unsetenv("KAFPAGE_T_EXPLICIT")

	loaded := LoadEnvFileCandidates()

	if got := os.Getenv("KAFPAGE_T_EXPLICIT"); got != "42" {
		t.Fatalf("expected value from explicit env file, got %q", got)
	}
	if !slices.Equal(loaded, []string{envPath}) {
		t.Fatalf("unexpected loaded files %v", loaded)
	}
}

func TestLoadEnvFileCandidatesFollowsKafpageHome(t *testing.T) {
	install := t.TempDir()
	envPath := filepath.Join(install, ConfigDir, "env")
	if err := os.MkdirAll(filepath.Dir(envPath), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envPath, []byte("KAFPAGE_T_INSTALL=yes\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KAFPAGE_HOME", install)
	t.Setenv(EnvFileVar, "")
	t.Setenv("KAFPAGE_T_INSTALL", "")
	_ = os.Unsetenv("KAFPAGE_T_INSTALL")

	loaded := LoadEnvFileCandidates()

	if got := os.Getenv("KAFPAGE_T_INSTALL"); got != "yes" {
		t.Fatalf("expected value from KAFPAGE_HOME env file, got %q", got)
	}
	if len(loaded) != 1 || loaded[0] != envPath {
		t.Fatalf("unexpected loaded files %v", loaded)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if _, err := loadEnvFile(filepath.Join(t.TempDir(), "absent")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line     string
		key, val string
		ok       bool
	}{
		{"A=1", "A", "1", true},
		{"export B = two", "B", "two", true},
		{`C="a\tb"`, "C", "a\tb", true},
		{`D='a\tb'`, "D", `a\tb`, true},
		{`E="c'`, "E", `"c'`, true},
		{"F=", "F", "", true},
		{"# G=1", "", "", false},
		{"   ", "", "", false},
		{"=1", "", "", false},
		{"NO EQUALS", "", "", false},
		{"H I=1", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseEnvLine(tc.line)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Errorf("parseEnvLine(%q) = %q, %q, %v; want %q, %q, %v", tc.line, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}

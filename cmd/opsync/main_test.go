package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/opsync/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nOPSYNC_TEST_A=hello\n\nOPSYNC_TEST_B = spaced \nBADLINE\n=nokey\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("OPSYNC_TEST_A", "")
	t.Setenv("OPSYNC_TEST_B", "")
	os.Unsetenv("OPSYNC_TEST_A")
	os.Unsetenv("OPSYNC_TEST_B")

	loadDotEnv(envPath)

	if got := os.Getenv("OPSYNC_TEST_A"); got != "hello" {
		t.Fatalf("OPSYNC_TEST_A = %q, want hello", got)
	}
	if got := os.Getenv("OPSYNC_TEST_B"); got != "spaced" {
		t.Fatalf("OPSYNC_TEST_B = %q, want spaced", got)
	}
}

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPSYNC_TEST_C=fromfile\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("OPSYNC_TEST_C", "fromenv")

	loadDotEnv(envPath)

	if got := os.Getenv("OPSYNC_TEST_C"); got != "fromenv" {
		t.Fatalf("OPSYNC_TEST_C = %q, existing value must win", got)
	}
}

func TestConfigToken(t *testing.T) {
	t.Setenv("OPSYNC_TEST_TOKEN_ENV", "sekrit")
	cfg := config.Config{AuthTokenEnv: "OPSYNC_TEST_TOKEN_ENV"}

	fn := configToken(cfg)
	tok, err := fn(context.Background())
	if err != nil {
		t.Fatalf("token func: %v", err)
	}
	if tok != "sekrit" {
		t.Fatalf("token = %q, want value from env", tok)
	}
}

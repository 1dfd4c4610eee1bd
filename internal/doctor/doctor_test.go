package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cmdrelay/cmdrelay/internal/config"
)

const validPalette = `
templates:
  - name: echo
    argv: ["echo", "{word}"]
    params:
      - name: word
        pattern: "[A-Za-z0-9_-]+"
`

func healthyConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	palettePath := filepath.Join(dir, "palette.yaml")
	if err := os.WriteFile(palettePath, []byte(validPalette), 0o644); err != nil {
		t.Fatalf("write palette: %v", err)
	}

	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "data", "cmdrelay.db")
	cfg.Worker.ScratchDir = filepath.Join(dir, "scratch")
	cfg.Palette.Path = palettePath
	cfg.API.Enabled = false
	return cfg
}

func hasIssue(issues []Issue, field string) bool {
	for _, issue := range issues {
		if issue.Field == field {
			return true
		}
	}
	return false
}

func TestValidateHealthyDeployment(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	if _, err := config.WriteLock(cfg.Palette.Path); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %+v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", r.Warnings)
	}
}

func TestValidateWarnsOnMissingLock(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("missing lock should warn, not fail: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "palette.verify_lock") {
		t.Fatalf("expected lock warning, got %+v", r.Warnings)
	}
}

func TestValidateFailsOnMissingLockWhenVerifyRequired(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	cfg.Palette.VerifyLock = true
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected failure when verify_lock is on without a manifest")
	}
	if !hasIssue(r.Errors, "palette.verify_lock") {
		t.Fatalf("expected lock error, got %+v", r.Errors)
	}
}

func TestValidateUnparsablePalette(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	if err := os.WriteFile(cfg.Palette.Path, []byte("templates: [\n"), 0o644); err != nil {
		t.Fatalf("write palette: %v", err)
	}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected failure for unparsable palette")
	}
	if !hasIssue(r.Errors, "palette.path") {
		t.Fatalf("expected palette error, got %+v", r.Errors)
	}
}

func TestValidateCreatesMissingDirectories(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	r := New(cfg).Validate()
	if hasIssue(r.Errors, "store.path") || hasIssue(r.Errors, "worker.scratch_dir") {
		t.Fatalf("creatable directories should not error: %+v", r.Errors)
	}
	if _, err := os.Stat(cfg.Worker.ScratchDir); err != nil {
		t.Fatalf("scratch dir should have been created: %v", err)
	}
}

func TestValidateBadDirBackend(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.Blobs.Backends["artifacts"] = config.BlobBackendConf{Kind: "dir", Dir: blocker}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatalf("expected failure when dir backend path is a file")
	}
	if !hasIssue(r.Errors, "blobs.backends.artifacts.dir") {
		t.Fatalf("expected backend error, got %+v", r.Errors)
	}
}

func TestValidateWarnsOnOpenAPI(t *testing.T) {
	t.Parallel()

	cfg := healthyConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "api.api_key") {
		t.Fatalf("expected unauthenticated API warning, got %+v", r.Warnings)
	}
}

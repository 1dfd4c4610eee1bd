package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// LockManifest pins the palette file contents by digest. Commands only enter
// the palette through a reviewed file; the lock makes out-of-band edits to
// that file loud instead of silent.
type LockManifest struct {
	Version     int    `yaml:"version"`
	GeneratedAt string `yaml:"generated_at"`
	Digest      string `yaml:"digest"`
}

// LockPath returns the manifest path for a palette file.
func LockPath(palettePath string) string {
	return palettePath + ".lock"
}

// ComputeBlake3Hash computes the BLAKE3 digest of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// WriteLock hashes the palette file and writes its lock manifest.
func WriteLock(palettePath string) (*LockManifest, error) {
	digest, err := ComputeBlake3Hash(palettePath)
	if err != nil {
		return nil, err
	}

	manifest := &LockManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Digest:      digest,
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock manifest: %w", err)
	}
	if err := os.WriteFile(LockPath(palettePath), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write lock manifest: %w", err)
	}
	return manifest, nil
}

// VerifyLock checks the palette file against its lock manifest.
func VerifyLock(palettePath string) error {
	data, err := os.ReadFile(LockPath(palettePath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no lock manifest at %s (run 'cmdrelay palette lock')", LockPath(palettePath))
		}
		return fmt.Errorf("failed to read lock manifest: %w", err)
	}

	var manifest LockManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse lock manifest: %w", err)
	}
	if manifest.Version != 1 {
		return fmt.Errorf("unsupported lock manifest version: %d", manifest.Version)
	}

	actual, err := ComputeBlake3Hash(palettePath)
	if err != nil {
		return err
	}
	if actual != manifest.Digest {
		return fmt.Errorf("palette digest mismatch for %s (expected %s, got %s)\n"+
			"This indicates an out-of-band edit. If intentional, run: cmdrelay palette lock",
			palettePath, manifest.Digest, actual)
	}
	return nil
}

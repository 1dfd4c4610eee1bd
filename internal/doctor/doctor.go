// Package doctor runs preflight checks over a cmdrelay deployment: the
// configuration, palette, blob backends, and the directories the server and
// worker are about to write into. It reports findings instead of failing
// fast, so one run surfaces every problem at once.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cmdrelay/cmdrelay/internal/config"
	"github.com/cmdrelay/cmdrelay/internal/palette"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the filesystem it points at.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkStoreDir(r)
	d.checkScratchDir(r)
	d.checkPalette(r)
	d.checkPaletteLock(r)
	d.checkBlobBackends(r)
	d.checkAPIAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkStoreDir verifies the database directory exists or can be created.
func (d *Doctor) checkStoreDir(r *Result) {
	dir := filepath.Dir(d.cfg.Store.Path)
	if err := checkWritableDir(dir); err != nil {
		d.addError(r, "store", "store.path", fmt.Sprintf("database directory %s: %v", dir, err))
	}
}

// checkScratchDir verifies the worker scratch directory is usable.
func (d *Doctor) checkScratchDir(r *Result) {
	if err := checkWritableDir(d.cfg.Worker.ScratchDir); err != nil {
		d.addError(r, "worker", "worker.scratch_dir", fmt.Sprintf("scratch directory %s: %v", d.cfg.Worker.ScratchDir, err))
	}
}

// checkPalette parses the palette and flags an empty one.
func (d *Doctor) checkPalette(r *Result) {
	var p *palette.Palette
	var err error
	if d.cfg.Palette.Environments != "" {
		p, err = palette.LoadWithEnvironments(d.cfg.Palette.Path, d.cfg.Palette.Environments)
	} else {
		p, err = palette.Load(d.cfg.Palette.Path)
	}
	if err != nil {
		d.addError(r, "palette", "palette.path", err.Error())
		return
	}
	if len(p.Names()) == 0 {
		d.addWarning(r, "palette", "palette.path", "palette defines no templates; every submission will be refused")
	}
}

// checkPaletteLock verifies the integrity manifest. A missing manifest is an
// error only when verify_lock is on; otherwise it is worth a warning.
func (d *Doctor) checkPaletteLock(r *Result) {
	err := config.VerifyLock(d.cfg.Palette.Path)
	if err == nil {
		return
	}
	if d.cfg.Palette.VerifyLock {
		d.addError(r, "palette", "palette.verify_lock", err.Error())
		return
	}
	d.addWarning(r, "palette", "palette.verify_lock",
		"palette has no valid lock manifest; run 'cmdrelay palette lock' to authorize it")
}

// checkBlobBackends verifies every dir backend points at a usable directory
// and that the conventional default backend exists.
func (d *Doctor) checkBlobBackends(r *Result) {
	for name, backend := range d.cfg.Blobs.Backends {
		if backend.Kind != "dir" {
			continue
		}
		if err := checkWritableDir(backend.Dir); err != nil {
			d.addError(r, "blobs", fmt.Sprintf("blobs.backends.%s.dir", name),
				fmt.Sprintf("backend directory %s: %v", backend.Dir, err))
		}
	}
	if _, ok := d.cfg.Blobs.Backends["default"]; !ok {
		d.addWarning(r, "blobs", "blobs.backends",
			"no backend named \"default\"; submissions must name a backend explicitly")
	}
}

// checkAPIAuth warns when the API is reachable without credentials.
func (d *Doctor) checkAPIAuth(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled but no api_key configured; every caller is trusted")
	}
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("path is empty")
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}

	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

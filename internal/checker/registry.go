package checker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// ExternalNamespace prefixes the module identity of every checker
	// loaded from an external manifest directory.
	ExternalNamespace = "plugin"

	// BuiltinModule is the module identity shared by compiled-in checkers.
	BuiltinModule = "builtin"
)

// reservedStems are manifest file stems that are never loaded as checkers.
// A checker directory may keep shared fragments under these names.
var reservedStems = map[string]bool{
	"base":     true,
	"registry": true,
}

// ErrNotFound is returned by GetByName when no checker is registered
// under the requested name.
var ErrNotFound = errors.New("checker not found")

// LoadError records one external manifest file that failed to load.
// Discovery continues past load errors so a single bad file never
// takes down the rest of the fleet.
type LoadError struct {
	File string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

// Registry holds every known checker, keyed by Name(). The checker name
// is the only identity used in ordering config, enablement config, and
// fix routing; module identities exist for diagnostics.
type Registry struct {
	mu         sync.RWMutex
	checkers   map[string]Checker
	modules    map[string]string // checker name -> module identity
	order      []string          // names in registration order
	extraDirs  []string
	discovered bool
	loadErrors []LoadError
	warnings   []string
}

// NewRegistry creates an empty registry. Call Discover to populate it.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		modules:  make(map[string]string),
	}
}

// Configure records additional manifest directories to scan during
// Discover. Directories union with any recorded earlier; adding the
// same directory twice has no effect.
func (r *Registry) Configure(dirs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if !r.hasDirLocked(dir) {
			r.extraDirs = append(r.extraDirs, dir)
		}
	}
}

func (r *Registry) hasDirLocked(dir string) bool {
	for _, d := range r.extraDirs {
		if d == dir {
			return true
		}
	}
	return false
}

// Discover registers the compiled-in checkers, then loads each manifest
// file found in the configured external directories. A repeated call is
// a no-op until Reset. A duplicate checker name aborts discovery with an
// error; per-file manifest failures are recorded on LoadErrors and the
// remaining files still load.
func (r *Registry) Discover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discovered {
		return nil
	}

	for _, c := range Builtins() {
		if err := r.registerLocked(c, BuiltinModule); err != nil {
			return err
		}
	}

	for _, dir := range r.extraDirs {
		if err := r.discoverDirLocked(dir); err != nil {
			return err
		}
	}

	r.discovered = true
	return nil
}

// discoverDirLocked loads every manifest in dir. The module identity
// embeds the parent directory name so two external directories sharing
// a leaf name (both called "scanner", say) never collide.
func (r *Registry) discoverDirLocked(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.loadErrors = append(r.loadErrors, LoadError{File: dir, Err: err})
		return nil
	}

	leaf := filepath.Base(dir)
	parent := filepath.Base(filepath.Dir(dir))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if strings.HasPrefix(stem, "_") || reservedStems[stem] {
			continue
		}

		path := filepath.Join(dir, name)
		moduleID := fmt.Sprintf("%s.%s.%s.%s", ExternalNamespace, parent, leaf, stem)

		c, err := loadManifest(path)
		if err != nil {
			r.loadErrors = append(r.loadErrors, LoadError{File: path, Err: err})
			continue
		}

		if err := r.registerLocked(c, moduleID); err != nil {
			return err
		}
	}

	return nil
}

// Register adds a checker under the given module identity. A name
// collision is an error, never a silent overwrite.
func (r *Registry) Register(c Checker, moduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(c, moduleID)
}

func (r *Registry) registerLocked(c Checker, moduleID string) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker from module %s has an empty name", moduleID)
	}
	if prev, exists := r.modules[name]; exists {
		return fmt.Errorf("checker %q already registered by module %s (duplicate in %s)", name, prev, moduleID)
	}

	r.checkers[name] = c
	r.modules[name] = moduleID
	r.order = append(r.order, name)
	return nil
}

// GetAll returns registered checkers sorted by order when supplied,
// else by registration order. Names absent from order are appended at
// the end in registration order; names in order that match no checker
// are dropped with a recorded warning, never an error.
func (r *Registry) GetAll(order []string) []Checker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(order) == 0 {
		return r.registrationOrderLocked()
	}

	seen := make(map[string]bool, len(order))
	result := make([]Checker, 0, len(r.order))

	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		c, exists := r.checkers[name]
		if !exists {
			r.warnings = append(r.warnings, fmt.Sprintf("ordering references unknown checker %q", name))
			continue
		}
		result = append(result, c)
	}

	for _, name := range r.order {
		if !seen[name] {
			result = append(result, r.checkers[name])
		}
	}

	return result
}

func (r *Registry) registrationOrderLocked() []Checker {
	result := make([]Checker, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.checkers[name])
	}
	return result
}

// GetEnabled returns the checkers from GetAll(order) that report
// themselves applicable to the target and are not disabled in
// configuration. A nil enablement enables everything.
func (r *Registry) GetEnabled(order []string, target Target, en Enablement) []Checker {
	all := r.GetAll(order)
	result := make([]Checker, 0, len(all))
	for _, c := range all {
		if !c.Applicable(target) {
			continue
		}
		if en != nil && !en.CheckerEnabled(c.Name()) {
			continue
		}
		result = append(result, c)
	}
	return result
}

// GetByName returns the checker registered under name.
func (r *Registry) GetByName(name string) (Checker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.checkers[name]
	if !exists {
		return nil, fmt.Errorf("checker %q: %w", name, ErrNotFound)
	}
	return c, nil
}

// Reset clears all registered state and forgets every module loaded
// under the external namespace. Built-ins are compiled in and return
// on the next Discover. Intended for test isolation, not normal use.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkers = make(map[string]Checker)
	r.modules = make(map[string]string)
	r.order = nil
	r.loadErrors = nil
	r.warnings = nil
	r.discovered = false
}

// LoadErrors returns the per-file failures recorded by the last Discover.
func (r *Registry) LoadErrors() []LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LoadError, len(r.loadErrors))
	copy(out, r.loadErrors)
	return out
}

// Warnings returns the ordering warnings recorded by GetAll.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Module returns the module identity a checker was registered under.
func (r *Registry) Module(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.modules[name]
	return id, exists
}

// Len returns the number of registered checkers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checkers)
}

// Infos returns display descriptors for every registered checker in
// the given order, for CLI listings and the checkers endpoint.
func (r *Registry) Infos(order []string) []Info {
	all := r.GetAll(order)
	infos := make([]Info, 0, len(all))
	for _, c := range all {
		moduleID, _ := r.Module(c.Name())
		infos = append(infos, Describe(c, moduleID))
	}
	return infos
}

// Package subflow discovers, decodes and caches named workflow definitions
// and tracks the subflow call lineage of an execution to detect cycles.
package subflow

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Extensions are the definition file extensions, in lookup order.
var Extensions = []string{".yaml", ".yml", ".json"}

// DefinitionBase is the file name (without extension) that marks a
// directory as holding a flow definition.
const DefinitionBase = "workflow"

// DefaultSearchDepth bounds the upward directory search.
const DefaultSearchDepth = 3

// Loader resolves subflow names to definitions. Resolved definitions are
// cached by name until ClearCache is called. Safe for concurrent use.
type Loader struct {
	mu          sync.RWMutex
	cache       map[string]*schema.WorkflowDefinition
	baseDir     string
	searchDepth int
	logger      *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithBaseDir sets the directory searched for definitions that carry no
// source file (built in memory).
func WithBaseDir(dir string) Option {
	return func(l *Loader) { l.baseDir = dir }
}

// WithSearchDepth bounds how many parent directories the upward search
// visits. Negative values are ignored.
func WithSearchDepth(n int) Option {
	return func(l *Loader) {
		if n >= 0 {
			l.searchDepth = n
		}
	}
}

// WithLogger sets the logger used for discovery tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a Loader with an empty cache.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		cache:       make(map[string]*schema.WorkflowDefinition),
		baseDir:     ".",
		searchDepth: DefaultSearchDepth,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register makes def resolvable by its name without touching the
// filesystem. Registering a second definition under the same name fails.
func (l *Loader) Register(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewValidationError("cannot register nil definition")
	}
	if err := checkName(def.Name); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.cache[def.Name]; ok && existing != def {
		return schema.NewErrorf(schema.ErrCodeConflict, "flow %q already registered", def.Name)
	}
	l.cache[def.Name] = def
	return nil
}

// Cached returns the cached definition for name, if any.
func (l *Loader) Cached(name string) (*schema.WorkflowDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.cache[name]
	return def, ok
}

// ClearCache drops every cached definition, registered ones included.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*schema.WorkflowDefinition)
}

// Resolve returns the definition named name, searching relative to fromDir
// (the directory of the calling flow; the base directory when empty).
// Discovery order:
//  1. fromDir/name/ holding workflow.<ext> or name.<ext>
//  2. fromDir/name.<ext>
//  3. a sibling directory of fromDir: ../name/ (and ../name.<ext>)
//  4. the same two shapes in each ancestor, up to the search depth
func (l *Loader) Resolve(name, fromDir string) (*schema.WorkflowDefinition, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if def, ok := l.Cached(name); ok {
		return def, nil
	}

	candidates := l.Candidates(name, fromDir)
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		def, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if def.Name != name {
			l.logger.Debug("subflow file declares a different name",
				slog.String("requested", name), slog.String("declared", def.Name), slog.String("path", path))
			def.Name = name
		}

		l.mu.Lock()
		if cached, ok := l.cache[name]; ok {
			l.mu.Unlock()
			return cached, nil
		}
		l.cache[name] = def
		l.mu.Unlock()

		l.logger.Debug("subflow resolved", slog.String("name", name), slog.String("path", path))
		return def, nil
	}

	return nil, schema.NewSubflowNotFoundError(name, candidates)
}

// Candidates lists every path Resolve would try for name, in order.
func (l *Loader) Candidates(name, fromDir string) []string {
	if fromDir == "" {
		fromDir = l.baseDir
	}
	fromDir = filepath.Clean(fromDir)

	seen := make(map[string]struct{})
	var out []string
	add := func(paths ...string) {
		for _, p := range paths {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	add(dirCandidates(fromDir, name)...)
	add(fileCandidates(fromDir, name)...)

	dir := fromDir
	for depth := 0; depth <= l.searchDepth; depth++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		add(dirCandidates(dir, name)...)
		add(fileCandidates(dir, name)...)
	}
	return out
}

// LoadFile reads and decodes one definition file. The definition's Source
// is set to the absolute path; a missing name is derived from the path.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewSubflowNotFoundError(nameFromPath(path), []string{path})
		}
		return nil, schema.NewValidationError("read definition %s: %v", path, err).WithCause(err)
	}

	def, err := schema.ParseDefinition(data)
	if err != nil {
		fe := schema.ToFlowError(err)
		fe.Message = path + ": " + fe.Message
		return nil, fe
	}

	if abs, err := filepath.Abs(path); err == nil {
		def.Source = abs
	} else {
		def.Source = path
	}
	if def.Name == "" {
		def.Name = nameFromPath(path)
	}
	return def, nil
}

// Dir returns the directory subflows of def are resolved from.
func Dir(def *schema.WorkflowDefinition) string {
	if def == nil || def.Source == "" {
		return ""
	}
	return filepath.Dir(def.Source)
}

func dirCandidates(dir, name string) []string {
	var out []string
	for _, base := range []string{DefinitionBase, name} {
		for _, ext := range Extensions {
			out = append(out, filepath.Join(dir, name, base+ext))
		}
	}
	return out
}

func fileCandidates(dir, name string) []string {
	out := make([]string, 0, len(Extensions))
	for _, ext := range Extensions {
		out = append(out, filepath.Join(dir, name+ext))
	}
	return out
}

// nameFromPath derives a flow name: the file stem, or the directory name
// for workflow.<ext> files.
func nameFromPath(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == DefinitionBase {
		return filepath.Base(filepath.Dir(path))
	}
	return stem
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return schema.NewValidationError("flow name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return schema.NewValidationError("flow name %q must not contain path separators", name)
	}
	return nil
}

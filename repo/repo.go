// Package repo provides the repository facade: composition of odb, refs,
// hooks and config behind one handle, on-disk layout creation (Init), and
// a process-wide singleton registry so two callers opening the same path
// share one ODB and ref store instead of racing independent caches.
// Grounded on the teacher's repo.go (the Repository-as-facade shape,
// minimal as it is — the teacher is a client and only ever calls
// RepoExists against someone else's repository) and on
// odvcencio-got/pkg/repo/init.go and repo.go for the on-disk layout and
// Init/Open pair this teacher never needed, generalized from got's
// single .got/ directory into the HEAD/objects/refs/packed-refs/config/
// hooks/shallow layout spec.md §6 describes.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgecellar/gitcore/config"
	"github.com/forgecellar/gitcore/gitlog"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/hooks"
	"github.com/forgecellar/gitcore/odb"
	"github.com/forgecellar/gitcore/refs"
)

// Repository is a composed handle onto one on-disk Git repository: its
// object database, reference store, hook dispatcher and config. The
// spec's shared-resource policy treats the ODB and ref store as
// process-wide singletons per repository path; Open enforces that by
// returning the same *Repository for the same canonical path instead of
// constructing a fresh one each call.
type Repository struct {
	root string
	algo hash.Algorithm

	db    *odb.ODB
	refs  *refs.Store
	hooks *hooks.Dispatcher
	cfg   *config.Config

	// mu serializes repository-wide maintenance (GC, PackRefs) so two
	// concurrent maintenance passes cannot race over the same pack set.
	mu sync.Mutex
}

var registry = struct {
	mu   sync.Mutex
	byID map[string]*Repository
}{byID: map[string]*Repository{}}

// Root returns the repository's root directory (where HEAD lives).
func (r *Repository) Root() string { return r.root }

// HashAlgorithm returns the hash algorithm this repository was created
// with. It is fixed at Init time and never changes for the life of the
// repository.
func (r *Repository) HashAlgorithm() hash.Algorithm { return r.algo }

// ODB returns the repository's object database.
func (r *Repository) ODB() *odb.ODB { return r.db }

// Refs returns the repository's reference store.
func (r *Repository) Refs() *refs.Store { return r.refs }

// Hooks returns the repository's hook dispatcher.
func (r *Repository) Hooks() *hooks.Dispatcher { return r.hooks }

// Config returns the repository's parsed config file.
func (r *Repository) Config() *config.Config { return r.cfg }

// Init creates a new repository at root with the given hash algorithm,
// writing the on-disk layout spec.md §6 describes: HEAD (a symref to
// refs/heads/main), objects/, refs/heads/, refs/tags/, an empty
// packed-refs is not written (absence means "no packed refs"), a config
// file recording core.repositoryformatversion and extensions.objectformat
// (only written when non-default, matching upstream Git), and hooks/.
// It is an error if root already contains a HEAD file.
func Init(root string, algo hash.Algorithm) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", root, err)
	}

	headPath := filepath.Join(abs, "HEAD")
	if _, err := os.Stat(headPath); err == nil {
		return nil, fmt.Errorf("init %s: repository already exists", abs)
	}

	dirs := []string{
		filepath.Join(abs, "objects", "info"),
		filepath.Join(abs, "objects", "pack"),
		filepath.Join(abs, "refs", "heads"),
		filepath.Join(abs, "refs", "tags"),
		filepath.Join(abs, "hooks"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init %s: mkdir %s: %w", abs, d, err)
		}
	}

	if err := os.WriteFile(headPath, []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		return nil, fmt.Errorf("init %s: write HEAD: %w", abs, err)
	}

	cfg := config.Default()
	cfg.ObjectFormat = algo.Name()
	if err := cfg.Save(filepath.Join(abs, "config")); err != nil {
		return nil, fmt.Errorf("init %s: write config: %w", abs, err)
	}

	return open(abs, algo)
}

// Open opens the repository rooted at root, reading its config file to
// determine the hash algorithm it was initialized with. Repeated Open
// calls for the same canonical path return the same *Repository handle.
func Open(root string) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}

	registry.mu.Lock()
	if existing, ok := registry.byID[abs]; ok {
		registry.mu.Unlock()
		return existing, nil
	}
	registry.mu.Unlock()

	cfg, err := config.Load(filepath.Join(abs, "config"))
	if err != nil {
		return nil, fmt.Errorf("open %s: load config: %w", abs, err)
	}
	algo, err := hash.AlgorithmByName(cfg.ObjectFormat)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", abs, err)
	}

	return openWithConfig(abs, algo, cfg)
}

func open(root string, algo hash.Algorithm) (*Repository, error) {
	cfg, err := config.Load(filepath.Join(root, "config"))
	if err != nil {
		return nil, fmt.Errorf("open %s: load config: %w", root, err)
	}
	return openWithConfig(root, algo, cfg)
}

func openWithConfig(root string, algo hash.Algorithm, cfg *config.Config) (*Repository, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.byID[root]; ok {
		return existing, nil
	}

	db, err := odb.Open(algo, filepath.Join(root, "objects"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}

	r := &Repository{
		root:  root,
		algo:  algo,
		db:    db,
		refs:  refs.NewStore(root, algo),
		cfg:   cfg,
		hooks: hooks.NewDispatcher(hooks.Options{HooksDir: filepath.Join(root, "hooks"), RepoRoot: root, Logger: gitlog.NoOp}),
	}
	registry.byID[root] = r
	return r, nil
}

// evict removes path from the singleton registry; used by tests that
// need a fresh *Repository for a path reused across cases.
func evict(root string) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	registry.mu.Lock()
	delete(registry.byID, abs)
	registry.mu.Unlock()
}

// WithLogger rebuilds the repository's hook dispatcher to log through
// logger, keeping every other field as-is.
func (r *Repository) WithLogger(logger gitlog.Logger) {
	r.hooks = hooks.NewDispatcher(hooks.Options{
		HooksDir: filepath.Join(r.root, "hooks"),
		RepoRoot: r.root,
		Logger:   logger,
	})
}

// PackRefs serializes access to refs.Store.PackRefs against concurrent
// maintenance passes on the same repository.
func (r *Repository) PackRefs() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs.PackRefs()
}

// GC serializes access to odb.ODB.Collect the same way, so a GC cycle
// never overlaps another GC or PackRefs on this repository. The push path
// does not take this lock.
func (r *Repository) GC(tips []hash.OID, opts odb.GCOptions) (odb.GCResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Collect(tips, opts)
}

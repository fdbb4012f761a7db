package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"
	"go.uber.org/zap"

	"github.com/odvcencio/barehub/pkg/object"
)

// DefaultListingCacheSize is the number of attributed directory listings
// kept in memory.
const DefaultListingCacheSize = 256

// Options configures Open.
type Options struct {
	// CacheSize is the object LRU size; zero selects object.DefaultCacheSize.
	CacheSize int
	// ListingCacheSize is the attributed-listing LRU size; zero selects
	// DefaultListingCacheSize.
	ListingCacheSize int
	// Logger receives warnings that do not fail an operation. Nil discards.
	Logger *zap.Logger
	// Signer signs commits created by UpdateFile. Nil leaves them unsigned.
	Signer CommitSigner
}

// Repo is an opened bare Git repository.
type Repo struct {
	GitDir string        // repository directory holding HEAD, objects/ and refs/
	Store  *object.Store // object database

	Logger *zap.Logger
	Signer CommitSigner

	now      func() time.Time
	listings *lru.Cache[listingKey, *Listing]
}

// Open opens the bare repository at path. The directory must contain
// objects/, refs/ and HEAD; anything else fails with ErrRepositoryUnavailable.
func Open(path string, opts Options) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, ErrRepositoryUnavailable)
	}
	if err := checkGitDir(abs); err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrRepositoryUnavailable)
	}
	return newRepo(abs, opts), nil
}

func newRepo(gitDir string, opts Options) *Repo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.ListingCacheSize
	if size <= 0 {
		size = DefaultListingCacheSize
	}
	// lru.New only fails for a non-positive size.
	listings, _ := lru.New[listingKey, *Listing](size)
	return &Repo{
		GitDir:   gitDir,
		Store:    object.NewStore(gitDir, object.StoreOptions{CacheSize: opts.CacheSize}),
		Logger:   logger,
		Signer:   opts.Signer,
		now:      time.Now,
		listings: listings,
	}
}

func checkGitDir(dir string) error {
	for _, sub := range []string{"objects", "refs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", sub)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "HEAD"))
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("HEAD is a directory")
	}
	return nil
}

// Init creates a new bare repository at path with HEAD pointing at
// refs/heads/main. Returns an error if path already holds a repository.
func Init(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("init: abs path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, "HEAD")); err == nil {
		return nil, fmt.Errorf("init: repository already exists at %s", abs)
	}

	dirs := []string{
		filepath.Join(abs, "objects", "info"),
		filepath.Join(abs, "objects", "pack"),
		filepath.Join(abs, "refs", "heads"),
		filepath.Join(abs, "refs", "tags"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("init: mkdir %s: %w", d, err)
		}
	}

	if err := os.WriteFile(filepath.Join(abs, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		return nil, fmt.Errorf("init: write HEAD: %w", err)
	}

	cfg := gitconfig.New()
	cfg.Section("core").
		SetOption("repositoryformatversion", "0").
		SetOption("filemode", "true").
		SetOption("bare", "true")
	if err := writeConfig(filepath.Join(abs, "config"), cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	return newRepo(abs, Options{}), nil
}

// Name returns the repository directory name, e.g. "project.git".
func (r *Repo) Name() string {
	return filepath.Base(r.GitDir)
}

// Close releases files held by the object store.
func (r *Repo) Close() error {
	return r.Store.Close()
}

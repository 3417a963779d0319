// Package gitrepo keeps one local git repository per resource. The repository
// tracks a single manifest.json on main describing the resource and its
// current block versions; published resource versions are tags on the commit
// that captured the snapshot.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stencil/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const manifestFile = "manifest.json"

// BlockRef is one block-version entry of a manifest.
type BlockRef struct {
	BlockID string          `json:"blockId"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EntityID and VersionNumber make manifest entries diffable snapshots.
func (r BlockRef) EntityID() string   { return r.BlockID }
func (r BlockRef) VersionNumber() int { return r.Version }

// Manifest is the tracked state of a resource at a commit.
type Manifest struct {
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description"`
	Kind        string     `json:"kind"`
	Blocks      []BlockRef `json:"blocks"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureResourceRepo initializes the repository with a baseline commit on
// main. Idempotent: an existing repository is left untouched.
func (s *Service) EnsureResourceRepo(resourceID string, initial Manifest, author string) error {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(resourceID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := writeAndCommit(repo, path, initial, author, "Initialize resource")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitManifest writes the manifest to main and returns the resulting commit.
func (s *Service) CommitManifest(resourceID string, m Manifest, author, message string) (store.CommitInfo, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := writeAndCommit(repo, s.repoPath(resourceID), m, author, message)
	if err != nil {
		return store.CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// TagVersion tags the given commit with a published version name.
func (s *Service) TagVersion(resourceID, hash, name string) error {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Stencil",
			Email: "stencil@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// ManifestAtRef reads the manifest at a tag name, short hash, or full hash.
func (s *Service) ManifestAtRef(resourceID, ref string) (Manifest, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return Manifest{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, ref)
	if err != nil {
		return Manifest{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Manifest{}, fmt.Errorf("read commit %s: %w", ref, err)
	}
	return readManifestFromCommit(commitObj)
}

// HeadManifest reads the manifest at the tip of main.
func (s *Service) HeadManifest(resourceID string) (Manifest, store.CommitInfo, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return Manifest{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Manifest{}, store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Manifest{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	m, err := readManifestFromCommit(commitObj)
	if err != nil {
		return Manifest{}, store.CommitInfo{}, err
	}
	return m, toCommitInfo(commitObj), nil
}

// History lists commits on main, newest first.
func (s *Service) History(resourceID string, limit int) ([]store.CommitInfo, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(resourceID string) string {
	return filepath.Join(s.baseDir, resourceID)
}

func (s *Service) resourceLock(resourceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[resourceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[resourceID] = lock
	return lock
}

func writeAndCommit(repo *git.Repository, repoRoot string, m Manifest, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, manifestFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write manifest: %w", err)
	}

	if _, err := worktree.Add(manifestFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add manifest: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.stencil.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit manifest: %w", err)
	}
	return hash, nil
}

func readManifestFromCommit(commitObj *object.Commit) (Manifest, error) {
	file, err := commitObj.File(manifestFile)
	if err != nil {
		return Manifest{}, fmt.Errorf("load manifest from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest bytes: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if len(ref) == 40 {
		return plumbing.NewHash(ref), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve ref %s: %w", ref, err)
	}
	return *resolved, nil
}

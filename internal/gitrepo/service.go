// Package gitrepo keeps named checkpoints of a document's block list in a
// per-document git repository.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"chronicle/coedit/internal/document"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	snapshotFile = "blocks.json"
	mainBranch   = "main"
)

var ErrNoCheckpoints = errors.New("document has no checkpoints")

// Snapshot is what a checkpoint commit stores.
type Snapshot struct {
	Metadata document.Metadata `json:"metadata"`
	Blocks   []document.Block  `json:"blocks"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	FullHash  string    `json:"fullHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records snapshot on main, creating the repository on first use.
func (s *Service) Commit(documentID string, snapshot Snapshot, author, message string) (CommitInfo, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return CommitInfo{}, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := openOrInit(path)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	if snapshot.Blocks == nil {
		snapshot.Blocks = []document.Block{}
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if created {
		if err := pointMainAt(repo, hash); err != nil {
			return CommitInfo{}, err
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Snapshot loads the snapshot stored at hash (short or full).
func (s *Service) Snapshot(documentID, hash string) (Snapshot, CommitInfo, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openExisting(path)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snapshot, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj), nil
}

// History lists checkpoints newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openExisting(path)
	if errors.Is(err, ErrNoCheckpoints) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// CreateTag names a checkpoint. Re-tagging with an existing name is a no-op.
func (s *Service) CreateTag(documentID, hash, name string) error {
	path, err := s.repoPath(documentID)
	if err != nil {
		return err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openExisting(path)
	if err != nil {
		return err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
		Tagger:  s.signature("coedit"),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

type BlockChange struct {
	BlockID string     `json:"blockId"`
	Kind    ChangeKind `json:"kind"`
}

// Diff compares top-level blocks by id. Block metadata is ignored.
func Diff(from, to Snapshot) []BlockChange {
	before := make(map[string]document.Block, len(from.Blocks))
	for _, b := range from.Blocks {
		before[b.ID] = b
	}
	after := make(map[string]struct{}, len(to.Blocks))

	changes := make([]BlockChange, 0)
	for _, b := range to.Blocks {
		after[b.ID] = struct{}{}
		old, ok := before[b.ID]
		switch {
		case !ok:
			changes = append(changes, BlockChange{BlockID: b.ID, Kind: ChangeAdded})
		case !sameContent(old, b):
			changes = append(changes, BlockChange{BlockID: b.ID, Kind: ChangeModified})
		}
	}
	for _, b := range from.Blocks {
		if _, ok := after[b.ID]; !ok {
			changes = append(changes, BlockChange{BlockID: b.ID, Kind: ChangeRemoved})
		}
	}
	return changes
}

func sameContent(a, b document.Block) bool {
	a.Meta, b.Meta = document.BlockMeta{}, document.BlockMeta{}
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(left) == string(right)
}

func (s *Service) repoPath(documentID string) (string, error) {
	if documentID == "" || documentID == "." || documentID == ".." || strings.ContainsAny(documentID, `/\`) {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return filepath.Join(s.baseDir, documentID), nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) signature(author string) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "coedit"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.coedit.dev", sanitizeEmail(author)),
		When:  s.now(),
	}
}

func openOrInit(path string) (*git.Repository, bool, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func openExisting(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoCheckpoints
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func pointMainAt(repo *git.Repository, hash plumbing.Hash) error {
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var envelope struct {
		Metadata document.Metadata `json:"metadata"`
		Blocks   json.RawMessage   `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	blocks := document.DecodeBlocks(envelope.Blocks)
	if blocks == nil {
		blocks = []document.Block{}
	}
	return Snapshot{Metadata: envelope.Metadata, Blocks: blocks}, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	full := commitObj.Hash.String()
	return CommitInfo{
		Hash:      full[:7],
		FullHash:  full,
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

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

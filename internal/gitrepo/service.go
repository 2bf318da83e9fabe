package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBranchNotFound = errors.New("branch not found")
	ErrConflict       = errors.New("sha does not match")
	ErrSHARequired    = errors.New(`"sha" wasn't supplied`)
	ErrInvalidPath    = errors.New("invalid path")
	ErrInvalidRepo    = errors.New("invalid repository name")
)

type File struct {
	Path    string
	SHA     string
	Content []byte
}

type PutRequest struct {
	Path        string
	Content     []byte
	Branch      string
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
}

type PutResult struct {
	ContentSHA string
	CommitSHA  string
	Created    bool
}

type CommitInfo struct {
	SHA       string
	Message   string
	Author    string
	Email     string
	CreatedAt time.Time
}

// Service stores files in one git repository per owner/repo pair. Every
// accepted write is a commit, so the branch log is the file's history.
type Service struct {
	baseDir string
	locks   *xsync.MapOf[string, *sync.Mutex]
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Exists reports whether the repository has been created.
func (s *Service) Exists(owner, repo string) bool {
	if checkRepoName(owner, repo) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.repoPath(owner, repo), ".git"))
	return err == nil
}

func (s *Service) Get(owner, repo, branch, filePath string) (File, error) {
	if err := checkRepoName(owner, repo); err != nil {
		return File{}, err
	}
	cleaned, err := cleanPath(filePath)
	if err != nil {
		return File{}, err
	}
	lock := s.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(owner, repo)
	if err != nil {
		return File{}, err
	}
	commitObj, err := branchCommit(r, branch)
	if err != nil {
		return File{}, err
	}
	file, err := commitObj.File(cleaned)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("load %s from commit: %w", cleaned, err)
	}
	content, err := readFile(file)
	if err != nil {
		return File{}, err
	}
	return File{Path: cleaned, SHA: file.Hash.String(), Content: content}, nil
}

// Blob returns raw blob content by hash.
func (s *Service) Blob(owner, repo, sha string) ([]byte, error) {
	if err := checkRepoName(owner, repo); err != nil {
		return nil, err
	}
	lock := s.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(owner, repo)
	if err != nil {
		return nil, err
	}
	if len(sha) != 40 {
		return nil, ErrNotFound
	}
	blob, err := r.BlobObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", sha, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob bytes: %w", err)
	}
	return content, nil
}

// Put commits req.Content at req.Path. req.SHA must equal the current blob
// hash when the file exists and must be empty when it does not.
func (s *Service) Put(owner, repo string, req PutRequest) (PutResult, error) {
	if err := checkRepoName(owner, repo); err != nil {
		return PutResult{}, err
	}
	cleaned, err := cleanPath(req.Path)
	if err != nil {
		return PutResult{}, err
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	lock := s.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	r, empty, err := s.openOrInit(owner, repo, branch)
	if err != nil {
		return PutResult{}, err
	}

	current := ""
	if !empty {
		commitObj, err := branchCommit(r, branch)
		if err != nil {
			return PutResult{}, err
		}
		file, err := commitObj.File(cleaned)
		switch {
		case err == nil:
			current = file.Hash.String()
		case errors.Is(err, object.ErrFileNotFound):
		default:
			return PutResult{}, fmt.Errorf("load %s from commit: %w", cleaned, err)
		}
		if err := checkoutBranch(r, branch); err != nil {
			return PutResult{}, err
		}
	}

	switch {
	case current != "" && req.SHA == "":
		return PutResult{}, ErrSHARequired
	case req.SHA != current:
		return PutResult{}, ErrConflict
	}

	worktree, err := r.Worktree()
	if err != nil {
		return PutResult{}, fmt.Errorf("open worktree: %w", err)
	}
	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(target, req.Content, 0o644); err != nil {
		return PutResult{}, fmt.Errorf("write %s: %w", cleaned, err)
	}
	if _, err := worktree.Add(cleaned); err != nil {
		return PutResult{}, fmt.Errorf("git add %s: %w", cleaned, err)
	}

	authorName := req.AuthorName
	if authorName == "" {
		authorName = "Storefront Admin"
	}
	authorEmail := req.AuthorEmail
	if authorEmail == "" {
		authorEmail = fmt.Sprintf("%s@local.storefront.dev", sanitizeEmail(authorName))
	}
	message := req.Message
	if message == "" {
		message = "Update " + cleaned
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("commit %s: %w", cleaned, err)
	}

	commitObj, err := r.CommitObject(hash)
	if err != nil {
		return PutResult{}, fmt.Errorf("read commit object: %w", err)
	}
	file, err := commitObj.File(cleaned)
	if err != nil {
		return PutResult{}, fmt.Errorf("load committed %s: %w", cleaned, err)
	}
	return PutResult{
		ContentSHA: file.Hash.String(),
		CommitSHA:  hash.String(),
		Created:    current == "",
	}, nil
}

// History lists commits on branch that touched filePath, newest first. An
// empty filePath lists every commit.
func (s *Service) History(owner, repo, branch, filePath string, limit int) ([]CommitInfo, error) {
	if err := checkRepoName(owner, repo); err != nil {
		return nil, err
	}
	lock := s.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.open(owner, repo)
	if err != nil {
		return nil, err
	}
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, ErrBranchNotFound
	}

	opts := &git.LogOptions{From: ref.Hash()}
	if filePath != "" {
		cleaned, err := cleanPath(filePath)
		if err != nil {
			return nil, err
		}
		opts.FileName = &cleaned
	}
	iter, err := r.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, CommitInfo{
			SHA:       commitObj.Hash.String(),
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			Email:     commitObj.Author.Email,
			CreatedAt: commitObj.Author.When,
		})
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

func (s *Service) repoPath(owner, repo string) string {
	return filepath.Join(s.baseDir, owner, repo)
}

func (s *Service) repoLock(owner, repo string) *sync.Mutex {
	lock, _ := s.locks.LoadOrCompute(owner+"/"+repo, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return lock
}

func (s *Service) open(owner, repo string) (*git.Repository, error) {
	r, err := git.PlainOpen(s.repoPath(owner, repo))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return r, nil
}

// openOrInit opens the repository, creating it with HEAD on branch when it
// does not exist yet. empty is true while the repository has no commits.
func (s *Service) openOrInit(owner, repo, branch string) (*git.Repository, bool, error) {
	r, err := s.open(owner, repo)
	if errors.Is(err, ErrNotFound) {
		repoDir := s.repoPath(owner, repo)
		if err := os.MkdirAll(repoDir, 0o755); err != nil {
			return nil, false, fmt.Errorf("create repo dir: %w", err)
		}
		r, err = git.PlainInit(repoDir, false)
		if err != nil {
			return nil, false, fmt.Errorf("init repo: %w", err)
		}
		if err := r.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
			return nil, false, fmt.Errorf("set HEAD to %s: %w", branch, err)
		}
		return r, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := r.Head(); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return r, true, nil
		}
		return nil, false, fmt.Errorf("resolve HEAD: %w", err)
	}
	return r, false, nil
}

func branchCommit(r *git.Repository, branch string) (*object.Commit, error) {
	ref, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrBranchNotFound
		}
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := r.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func checkoutBranch(r *git.Repository, branch string) error {
	worktree, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func readFile(file *object.File) ([]byte, error) {
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open file reader: %w", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read file bytes: %w", err)
	}
	return content, nil
}

func cleanPath(filePath string) (string, error) {
	trimmed := strings.Trim(filePath, "/")
	if trimmed == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".git" || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, ".git/") || cleaned == ".." {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// checkRepoName keeps owner and repo to a single directory level under the
// base directory.
func checkRepoName(owner, repo string) error {
	for _, name := range []string{owner, repo} {
		if name == "" || name == "." || name == ".." || name == ".git" || strings.ContainsAny(name, "/\\\x00") {
			return ErrInvalidRepo
		}
	}
	return nil
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

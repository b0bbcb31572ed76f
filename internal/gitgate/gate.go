// Package gitgate records accepted changes as git commits using go-git.
package gitgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/engine"
)

// MaxSubjectLen caps the commit subject line.
const MaxSubjectLen = 72

const (
	defaultAuthorName  = "storyforge"
	defaultAuthorEmail = "storyforge@localhost"
)

// Options configure a Gate.
type Options struct {
	// Exclude lists paths never staged: files by exact path, directories by
	// prefix. Absolute paths are made relative to the repository root.
	Exclude     []string
	AuthorName  string
	AuthorEmail string
}

// Gate stages and commits the working tree of one repository.
type Gate struct {
	repo    *git.Repository
	root    string
	exclude []string
	author  object.Signature
}

// Open opens the repository containing dir.
func Open(dir string, opts Options) (*Gate, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repo %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	root := wt.Filesystem.Root()

	g := &Gate{repo: repo, root: root}
	for _, e := range opts.Exclude {
		if rel, ok := g.relative(e); ok {
			g.exclude = append(g.exclude, rel)
		}
	}
	g.author = g.resolveAuthor(opts)
	return g, nil
}

// Root returns the worktree root.
func (g *Gate) Root() string { return g.root }

// Commit implements engine.Committer. It stages every changed path that is
// not excluded and commits them. Nothing to stage yields NoChanges.
func (g *Gate) Commit(ctx context.Context, message string) (engine.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.CommitResult{}, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return engine.CommitResult{}, fmt.Errorf("worktree: %w", err)
	}
	if err := g.unstageExcluded(wt); err != nil {
		return engine.CommitResult{}, err
	}
	paths, err := g.changed(wt)
	if err != nil {
		return engine.CommitResult{}, err
	}
	if len(paths) == 0 {
		slog.Info("nothing to commit")
		return engine.CommitResult{NoChanges: true}, nil
	}

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			// a deleted file cannot be added; record the removal instead
			if _, rmErr := wt.Remove(p); rmErr != nil {
				return engine.CommitResult{}, fmt.Errorf("stage %s: %w", p, err)
			}
		}
	}

	sig := g.author
	sig.When = time.Now()
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &sig, Committer: &sig})
	if err != nil {
		return engine.CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	slog.Info("committed", "revision", hash.String()[:12], "files", len(paths), "message", message)
	return engine.CommitResult{Revision: hash.String()}, nil
}

// unstageExcluded resets index entries of excluded paths to HEAD, so files
// the agent staged itself (git add -A) never reach the commit.
func (g *Gate) unstageExcluded(wt *git.Worktree) error {
	st, err := wt.Status()
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}
	var staged []string
	for p, fs := range st {
		if fs.Staging == git.Unmodified || fs.Staging == git.Untracked {
			continue
		}
		if g.excluded(p) {
			staged = append(staged, p)
		}
	}
	if len(staged) == 0 {
		return nil
	}
	sort.Strings(staged)

	var tree *object.Tree
	if head, err := g.repo.Head(); err == nil {
		c, err := g.repo.CommitObject(head.Hash())
		if err != nil {
			return fmt.Errorf("read HEAD: %w", err)
		}
		if tree, err = c.Tree(); err != nil {
			return fmt.Errorf("read HEAD tree: %w", err)
		}
	}

	idx, err := g.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	for _, p := range staged {
		if tree != nil {
			if f, err := tree.File(p); err == nil {
				e, err := idx.Entry(p)
				if err != nil {
					e = idx.Add(p)
				}
				e.Hash = f.Hash
				e.Mode = f.Mode
				e.Size = uint32(f.Size)
				e.ModifiedAt = time.Time{}
				continue
			}
		}
		if _, err := idx.Remove(p); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return fmt.Errorf("unstage %s: %w", p, err)
		}
	}
	slog.Debug("unstaged excluded paths", "paths", staged)
	if err := g.repo.Storer.SetIndex(idx); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Dirty reports whether any non-excluded path differs from HEAD.
func (g *Gate) Dirty(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}
	paths, err := g.changed(wt)
	return len(paths) > 0, err
}

// Changed lists the non-excluded paths that differ from HEAD, sorted.
func (g *Gate) Changed() ([]string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	return g.changed(wt)
}

func (g *Gate) changed(wt *git.Worktree) ([]string, error) {
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var paths []string
	for p, fs := range st {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		if g.excluded(p) {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// CurrentBranch returns the short name of the checked-out branch, or "" when
// HEAD is detached or unborn.
func (g *Gate) CurrentBranch() string {
	head, err := g.repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

// PrepareBranch checks out branch, creating it from HEAD when it does not
// exist. Uncommitted changes are kept. In a repository without commits HEAD
// is pointed at the new branch so the first commit lands there.
func (g *Gate) PrepareBranch(name string) error {
	if name == "" {
		return nil
	}
	ref := plumbing.NewBranchReferenceName(name)

	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		if err := g.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref)); err != nil {
			return fmt.Errorf("point HEAD at %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}
	if head.Name() == ref {
		return nil
	}

	_, err = g.repo.Reference(ref, true)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err != nil && !create {
		return fmt.Errorf("lookup branch %s: %w", name, err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	slog.Info("checked out branch", "branch", name, "created", create)
	return nil
}

// CommitMessage derives the commit subject for a story: "feat(<id>): <title>".
func CommitMessage(s backlog.Story) string {
	title := strings.Join(strings.Fields(s.Title), " ")
	if title == "" {
		title = s.ID
	}
	msg := fmt.Sprintf("feat(%s): %s", s.ID, title)
	if utf8.RuneCountInString(msg) > MaxSubjectLen {
		msg = string([]rune(msg)[:MaxSubjectLen])
	}
	return msg
}

func (g *Gate) resolveAuthor(opts Options) object.Signature {
	sig := object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail}
	if sig.Name == "" || sig.Email == "" {
		if cfg, err := g.repo.ConfigScoped(config.GlobalScope); err == nil {
			if sig.Name == "" {
				sig.Name = cfg.User.Name
			}
			if sig.Email == "" {
				sig.Email = cfg.User.Email
			}
		}
	}
	if sig.Name == "" {
		sig.Name = defaultAuthorName
	}
	if sig.Email == "" {
		sig.Email = defaultAuthorEmail
	}
	return sig
}

func (g *Gate) relative(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(g.root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", false
		}
		p = rel
	}
	return strings.TrimSuffix(filepath.ToSlash(filepath.Clean(p)), "/"), true
}

func (g *Gate) excluded(p string) bool {
	for _, e := range g.exclude {
		if p == e || strings.HasPrefix(p, e+"/") {
			return true
		}
	}
	return false
}

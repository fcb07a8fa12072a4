// Package gitrepo is the repository backend: a local clone of the product
// repo used to answer history questions about what changed between two
// builds. Fetch mutates the clone, everything else only reads it, so access
// follows a readers-writer discipline.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/perfqa/perfhub/internal/telemetry"
)

// DefaultCommitLimit caps commit listings when a call names no limit.
const DefaultCommitLimit = 100

// Config describes the local clone and the GitLab instance it mirrors.
type Config struct {
	Path       string
	RemoteURL  string
	RemoteName string

	GitLabURL       string
	GitLabToken     string
	GitLabProjectID string
}

// Repo wraps one local clone. The RWMutex lets any number of history reads
// run concurrently while Fetch holds the clone exclusively.
type Repo struct {
	cfg        Config
	httpClient *http.Client

	mu   sync.RWMutex
	repo *git.Repository
}

// Open opens the clone at cfg.Path, cloning from cfg.RemoteURL first if the
// path holds no repository yet.
func Open(ctx context.Context, cfg Config) (*Repo, error) {
	if cfg.RemoteName == "" {
		cfg.RemoteName = "origin"
	}
	repo, err := git.PlainOpen(cfg.Path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, cfg.Path, false, &git.CloneOptions{
			URL:        cfg.RemoteURL,
			RemoteName: cfg.RemoteName,
		})
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", cfg.RemoteURL, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Path, err)
	}
	return &Repo{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		repo:       repo,
	}, nil
}

// write runs fn with the clone held exclusively.
func (r *Repo) write(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// read runs fn sharing the clone with other readers.
func (r *Repo) read(fn func() error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn()
}

// Ping verifies the clone is usable. Part of the resource.Session contract.
func (r *Repo) Ping(ctx context.Context) error {
	return r.read(func() error {
		if _, err := r.repo.Head(); err != nil {
			return fmt.Errorf("repository head: %w", err)
		}
		return nil
	})
}

// Close is a no-op; go-git holds no descriptors between operations. Part of
// the resource.Session contract.
func (r *Repo) Close() error { return nil }

// Fetch updates remote refs. The only mutating repository operation.
func (r *Repo) Fetch(ctx context.Context) error {
	return r.write(func() error {
		err := r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: r.cfg.RemoteName})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", r.cfg.RemoteName, err)
		}
		return nil
	})
}

// CommitInfo is one commit of a history walk.
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

func (r *Repo) resolveCommit(rev string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rev, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return commit, nil
}

// firstParentWalk visits commits from start backwards along first parents,
// stopping before stop (exclusive) or after limit commits. A limit of zero
// or less walks the whole range. Merge side branches are skipped, matching
// how release ranges are usually read.
func (r *Repo) firstParentWalk(start *object.Commit, stop plumbing.Hash, limit int, visit func(*object.Commit) error) error {
	current := start
	for i := 0; limit <= 0 || i < limit; i++ {
		if current.Hash == stop {
			return nil
		}
		if err := visit(current); err != nil {
			return err
		}
		if len(current.ParentHashes) == 0 {
			return nil
		}
		next, err := r.repo.CommitObject(current.ParentHashes[0])
		if err != nil {
			return fmt.Errorf("load parent of %s: %w", current.Hash, err)
		}
		current = next
	}
	return nil
}

// ListCommits returns the first-parent commits reachable from `to` back to
// (but excluding) `from`, newest first.
func (r *Repo) ListCommits(ctx context.Context, from, to string, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = DefaultCommitLimit
	}
	var out []CommitInfo
	err := r.read(func() error {
		fromC, err := r.resolveCommit(from)
		if err != nil {
			return err
		}
		toC, err := r.resolveCommit(to)
		if err != nil {
			return err
		}
		return r.firstParentWalk(toC, fromC.Hash, limit, func(c *object.Commit) error {
			out = append(out, CommitInfo{
				Hash:    c.Hash.String(),
				Author:  c.Author.Name,
				Email:   c.Author.Email,
				Date:    c.Author.When,
				Subject: strings.SplitN(c.Message, "\n", 2)[0],
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Diff returns the unified patch between two revisions.
func (r *Repo) Diff(ctx context.Context, base, target string) (string, error) {
	var patchText string
	err := r.read(func() error {
		baseC, err := r.resolveCommit(base)
		if err != nil {
			return err
		}
		targetC, err := r.resolveCommit(target)
		if err != nil {
			return err
		}
		patch, err := baseC.PatchContext(ctx, targetC)
		if err != nil {
			return fmt.Errorf("diff %s..%s: %w", base, target, err)
		}
		patchText = patch.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return patchText, nil
}

// AuthorSummary is one author's share of a commit range.
type AuthorSummary struct {
	Author  string `json:"author"`
	Email   string `json:"email"`
	Commits int    `json:"commits"`
}

// Shortlog aggregates the first-parent range from..to per author, most
// commits first. Unlike ListCommits it never truncates: per-author counts
// over a partial range would be silently wrong.
func (r *Repo) Shortlog(ctx context.Context, from, to string) ([]AuthorSummary, error) {
	type authorKey struct{ name, email string }
	counts := make(map[authorKey]int)

	err := r.read(func() error {
		fromC, err := r.resolveCommit(from)
		if err != nil {
			return err
		}
		toC, err := r.resolveCommit(to)
		if err != nil {
			return err
		}
		return r.firstParentWalk(toC, fromC.Hash, 0, func(c *object.Commit) error {
			counts[authorKey{c.Author.Name, c.Author.Email}]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]AuthorSummary, 0, len(counts))
	for k, n := range counts {
		out = append(out, AuthorSummary{Author: k.name, Email: k.email, Commits: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commits != out[j].Commits {
			return out[i].Commits > out[j].Commits
		}
		return out[i].Author < out[j].Author
	})
	return out, nil
}

// CommitFromPipeline resolves a GitLab pipeline id to the commit sha it
// built, via the pipelines API of the configured project.
func (r *Repo) CommitFromPipeline(ctx context.Context, pipelineID int) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/pipelines/%d",
		strings.TrimRight(r.cfg.GitLabURL, "/"), r.cfg.GitLabProjectID, pipelineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("PRIVATE-TOKEN", r.cfg.GitLabToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pipeline lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		telemetry.IncBackendAPIError("gitlab", resp.StatusCode)
		return "", fmt.Errorf("pipeline lookup HTTP %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode pipeline response: %w", err)
	}
	if payload.SHA == "" {
		return "", fmt.Errorf("pipeline %d has no commit sha", pipelineID)
	}
	return payload.SHA, nil
}

// Package workspace manages the on-disk artifacts behind each delivery:
// a per-job directory for inputs and outputs, an optional external render
// command that produces the deliverable, and a local git repository that
// records exactly what was sent to the client.
package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	getter "github.com/hashicorp/go-getter"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
)

// DeliverableName is the artifact filename the render step must produce
const DeliverableName = "deliverable.md"

// MinDeliverableBytes rejects near-empty deliverables before they reach a
// client
const MinDeliverableBytes = 10

// Workspace is the artifact store rooted at one directory
type Workspace struct {
	root          string
	renderCommand string
	repo          *git.Repository
	logger        *zap.SugaredLogger
}

// New opens the workspace root, creating it and its git repository on
// first use
func New(cfg config.WorkspaceConfig, logger *zap.SugaredLogger) (*Workspace, error) {
	root := cfg.Root
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root not configured")
	}

	if err := os.MkdirAll(root, config.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create workspace root %s", root)
	}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open workspace repository at %s", root)
	}

	return &Workspace{
		root:          root,
		renderCommand: cfg.RenderCommand,
		repo:          repo,
		logger:        logger,
	}, nil
}

// Root returns the workspace root directory
func (w *Workspace) Root() string {
	return w.root
}

// JobDir returns the artifact directory for a job, creating it on demand
func (w *Workspace) JobDir(jobID string) (string, error) {
	dir := filepath.Join(w.root, sanitizeID(jobID))
	if err := os.MkdirAll(dir, config.DefaultDirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create job directory for %s", jobID)
	}
	return dir, nil
}

// Stage writes a named artifact into the job's directory
func (w *Workspace) Stage(jobID, name string, content []byte) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", errors.Newf("invalid artifact name %q", name)
	}

	dir, err := w.JobDir(jobID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, config.DefaultFilePermissions); err != nil {
		return "", errors.Wrapf(err, "failed to stage %s for job %s", name, jobID)
	}

	if w.logger != nil {
		w.logger.Debugw("Staged artifact", "job_id", jobID, "path", path, "bytes", len(content))
	}
	return path, nil
}

// FetchInput materializes a client-provided source (URL, archive, file
// path) into the job's inputs directory
func (w *Workspace) FetchInput(ctx context.Context, jobID, src string) (string, error) {
	dir, err := w.JobDir(jobID)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, "inputs")

	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Mode:    getter.ClientModeAny,
		Getters: getter.Getters,
	}

	if err := client.Get(); err != nil {
		return "", errors.Wrapf(err, "failed to fetch input %s for job %s", src, jobID)
	}

	if w.logger != nil {
		w.logger.Infow("Fetched job input", "job_id", jobID, "source", src, "destination", dst)
	}
	return dst, nil
}

// Render runs the configured external command inside the job directory.
// The command is expected to leave the deliverable behind; with no command
// configured this is a no-op and the operator stages artifacts by hand.
func (w *Workspace) Render(ctx context.Context, jobID string) error {
	if strings.TrimSpace(w.renderCommand) == "" {
		return nil
	}

	argv, err := shellquote.Split(w.renderCommand)
	if err != nil {
		return errors.Wrapf(err, "failed to parse render command %q", w.renderCommand)
	}
	if len(argv) == 0 {
		return nil
	}

	dir, err := w.JobDir(jobID)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RONIN_JOB_ID="+jobID,
		"RONIN_JOB_DIR="+dir,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "render command failed for job %s: %s", jobID, tail(string(output), 500))
	}

	if w.logger != nil {
		w.logger.Infow("Render command completed", "job_id", jobID, "command", argv[0])
	}
	return nil
}

// Deliverable returns the path of the job's deliverable after checking it
// actually holds content worth sending
func (w *Workspace) Deliverable(jobID string) (string, error) {
	dir, err := w.JobDir(jobID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, DeliverableName)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", errors.Newf("job %s has no deliverable at %s", jobID, path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat deliverable for job %s", jobID)
	}
	if info.Size() < MinDeliverableBytes {
		return "", errors.Newf("deliverable for job %s is %d bytes, below the %d byte minimum",
			jobID, info.Size(), MinDeliverableBytes)
	}
	return path, nil
}

// CommitDelivery records the job's artifacts in the workspace repository
// and returns the commit hash. Empty commits are allowed so redeliveries
// leave a mark even when nothing changed.
func (w *Workspace) CommitDelivery(jobID, message string) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to open workspace worktree")
	}

	if _, err := wt.Add(sanitizeID(jobID)); err != nil {
		return "", errors.Wrapf(err, "failed to add artifacts for job %s", jobID)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "ronin",
			Email: "ronin@localhost",
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to commit delivery for job %s", jobID)
	}

	if w.logger != nil {
		w.logger.Infow("Committed delivery", "job_id", jobID, "commit", hash.String()[:7])
	}
	return hash.String(), nil
}

// CleanupStale removes job directories untouched for longer than
// olderThan. Directories of jobs still moving stay fresh because staging
// and rendering touch them.
func (w *Workspace) CleanupStale(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read workspace root %s", w.root)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == ".git" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(w.root, entry.Name())); err != nil {
			return removed, errors.Wrapf(err, "failed to remove stale job directory %s", entry.Name())
		}
		removed++
	}

	if removed > 0 && w.logger != nil {
		w.logger.Infow("Cleaned up stale job directories", "count", removed)
	}
	return removed, nil
}

// sanitizeID keeps ids filesystem-safe. Marketplace ids are already plain,
// but nothing downstream should trust that.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if strings.Trim(out, "-") == "" {
		return "unnamed"
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

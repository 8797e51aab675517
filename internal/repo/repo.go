// Package repo implements the VCS driver from spec.md §4.6: clone, pull,
// and checkout against a configuration repository, forwarding progress as
// formatted output lines.
package repo

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"hostfleet/internal/logging"
	"hostfleet/internal/task"
)

// Action is the operation a repo request performs.
type Action string

const (
	ActionClone Action = "clone"
	ActionPull  Action = "pull"
)

// DefaultBranch is used when RunRequest.Branch is empty, per spec.md §6.
const DefaultBranch = "main"

// RunRequest is the request payload for a downloadUpdateRepo operation.
type RunRequest struct {
	InstanceID string
	RepoURL    string
	RepoDir    string
	Branch     string
	Action     Action
	Clean      bool
	SSHKeyPath string
}

// Driver drives go-git clone/pull/checkout operations.
type Driver struct {
	log *logging.Logger
}

// NewDriver constructs a repo Driver.
func NewDriver(log *logging.Logger) *Driver {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Driver{log: log}
}

// Execute is a task.Work implementation for the repo driver.
func (d *Driver) Execute(ctx context.Context, sink task.ProgressSink, req RunRequest) *task.Failure {
	if req.RepoURL == "" || req.RepoDir == "" {
		return task.NewFailure(task.KindValidationError, "repoUrl and repoDir are required", nil)
	}
	branch := req.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	auth, err := d.authMethod(req)
	if err != nil {
		return task.NewFailure(task.KindValidationError, "resolving repository credentials", err)
	}

	progress := &progressWriter{sink: sink, method: string(req.Action)}

	switch req.Action {
	case ActionClone:
		if req.Clean {
			if err := os.RemoveAll(req.RepoDir); err != nil {
				return task.NewFailure(task.KindExternalToolError, "cleaning repo directory", err)
			}
		}
		if _, err := git.PlainCloneContext(ctx, req.RepoDir, false, &git.CloneOptions{
			URL:           req.RepoURL,
			Auth:          auth,
			Progress:      progress,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  true,
		}); err != nil {
			if ctx.Err() != nil {
				return task.NewFailure(task.KindCanceled, "clone canceled", nil)
			}
			return task.NewFailure(task.KindExternalToolError, "cloning repository", err)
		}
	case ActionPull:
		repository, err := git.PlainOpen(req.RepoDir)
		if err != nil {
			return task.NewFailure(task.KindExternalToolError, "opening repository", err)
		}
		worktree, err := repository.Worktree()
		if err != nil {
			return task.NewFailure(task.KindExternalToolError, "opening worktree", err)
		}
		err = worktree.PullContext(ctx, &git.PullOptions{
			Auth:          auth,
			Progress:      progress,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  true,
			Force:         false,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			if ctx.Err() != nil {
				return task.NewFailure(task.KindCanceled, "pull canceled", nil)
			}
			return task.NewFailure(task.KindExternalToolError, "pulling repository (fast-forward only)", err)
		}
		if err := d.checkout(req, branch); err != nil {
			return task.NewFailure(task.KindExternalToolError, "checking out branch", err)
		}
		return nil
	default:
		return task.NewFailure(task.KindUnsupported, fmt.Sprintf("unsupported repo action %q", req.Action), nil)
	}

	if err := d.checkout(req, branch); err != nil {
		return task.NewFailure(task.KindExternalToolError, "checking out branch", err)
	}
	return nil
}

func (d *Driver) checkout(req RunRequest, branch string) error {
	repository, err := git.PlainOpen(req.RepoDir)
	if err != nil {
		return err
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return err
	}
	return worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	})
}

// authMethod resolves either an SSH key-based auth method or, if no key is
// configured, a nil auth method (public HTTPS only), per spec.md §6.
func (d *Driver) authMethod(req RunRequest) (transport.AuthMethod, error) {
	if req.SSHKeyPath == "" {
		// No SSH key configured: only public HTTPS repos are reachable, per
		// spec.md §6.
		return nil, nil
	}
	keyBytes, err := os.ReadFile(req.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", req.SSHKeyPath, err)
	}
	auth, err := ssh.NewPublicKeys("git", keyBytes, "")
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", req.SSHKeyPath, err)
	}
	return auth, nil
}

// progressWriter adapts go-git's io.Writer progress sideband into the
// formatted "git.<method> <stage> <pct>%" output lines spec.md §4.6 names.
type progressWriter struct {
	sink   task.ProgressSink
	method string
}

func (w *progressWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stage, pct := parseGitProgressLine(line)
		w.sink.EmitOutput(fmt.Sprintf("git.%s %s %s", w.method, stage, pct))
	}
	return len(p), nil
}

// parseGitProgressLine extracts a stage name and percentage from go-git's
// sideband progress text, e.g. "Counting objects: 42% (21/50)".
func parseGitProgressLine(line string) (stage, pct string) {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return line, "0%"
	}
	stage = strings.TrimSpace(line[:idx])
	rest := strings.TrimSpace(line[idx+1:])
	pctIdx := strings.Index(rest, "%")
	if pctIdx < 0 {
		return stage, "0%"
	}
	return stage, strings.TrimSpace(rest[:pctIdx]) + "%"
}

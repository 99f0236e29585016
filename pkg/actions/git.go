package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/openfroyo/hostplay/pkg/transports"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

type gitConfig struct {
	Repo string `mapstructure:"repo"`
	Dest string `mapstructure:"dest"`

	// Version is a branch, tag or commit. Empty means the remote HEAD.
	Version string `mapstructure:"version"`

	// Depth creates a shallow clone.
	Depth int `mapstructure:"depth"`

	// Update fetches and checks out Version in an existing checkout.
	Update bool `mapstructure:"update"`
}

type gitAction struct {
	cfg gitConfig
}

func newGit(args map[string]interface{}) (Action, error) {
	var cfg gitConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.Repo == "" {
		return nil, errors.New("repo is required")
	}
	if cfg.Dest == "" {
		return nil, errors.New("dest is required")
	}
	if cfg.Depth < 0 {
		return nil, errors.New("depth must not be negative")
	}
	return &gitAction{cfg: cfg}, nil
}

func (a *gitAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	_, cloned, err := actx.Transport.Stat(ctx, path.Join(a.cfg.Dest, ".git"))
	if err != nil {
		return nil, err
	}

	result := &Result{Data: map[string]interface{}{"dest": a.cfg.Dest, "repo": a.cfg.Repo}}

	if cloned && !a.cfg.Update {
		head, err := a.head(ctx, actx)
		if err != nil {
			return nil, err
		}
		result.Data["before"], result.Data["after"] = head, head
		result.Msg = "repository already present at " + a.cfg.Dest
		return result, nil
	}

	if actx.Check {
		result.Changed = true
		if cloned {
			result.Msg = "repository would be updated (check mode)"
		} else {
			result.Msg = "repository would be cloned (check mode)"
		}
		return result, nil
	}

	var before string
	if cloned {
		if before, err = a.head(ctx, actx); err != nil {
			return nil, err
		}
	}

	// go-git works on the controller's filesystem only; elsewhere, and when
	// root is needed, the host's git binary does the work.
	native := actx.Transport.Local() && !actx.Become
	switch {
	case native && cloned:
		err = a.updateNative(ctx)
	case native:
		err = a.cloneNative(ctx)
	case cloned:
		err = a.updateCLI(ctx, actx)
	default:
		err = a.cloneCLI(ctx, actx)
	}
	if errors.Is(err, errCloneFailed) {
		result.Failed = true
		result.Msg = fmt.Sprintf("git %s: %v", a.cfg.Repo, err)
		return result, nil
	}
	if err != nil {
		return failedFrom(err, "git "+a.cfg.Repo)
	}

	after, err := a.head(ctx, actx)
	if err != nil {
		return nil, err
	}
	result.Data["before"], result.Data["after"] = before, after
	result.Changed = before != after
	if cloned {
		result.Msg = fmt.Sprintf("updated %s to %s", a.cfg.Dest, short(after))
	} else {
		result.Msg = fmt.Sprintf("cloned %s into %s at %s", a.cfg.Repo, a.cfg.Dest, short(after))
	}
	return result, nil
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func (a *gitAction) head(ctx context.Context, actx *Context) (string, error) {
	if actx.Transport.Local() {
		repo, err := git.PlainOpen(a.cfg.Dest)
		if err != nil {
			return "", fmt.Errorf("failed to open repository: %w", err)
		}
		ref, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return ref.Hash().String(), nil
	}

	res, err := runChecked(ctx, actx, "git -C "+transports.ShellQuote(a.cfg.Dest)+" rev-parse HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (a *gitAction) cloneNative(ctx context.Context) error {
	opts := &git.CloneOptions{
		URL:          a.cfg.Repo,
		Depth:        a.cfg.Depth,
		SingleBranch: a.cfg.Depth > 0,
	}

	version := a.cfg.Version
	if version == "" || commitRe.MatchString(version) {
		if version != "" {
			// Commits cannot be fetched shallowly by hash.
			opts.Depth, opts.SingleBranch = 0, false
		}
		repo, err := git.PlainCloneContext(ctx, a.cfg.Dest, false, opts)
		if err != nil {
			return a.cleanup(err)
		}
		if version == "" {
			return nil
		}
		return checkoutHash(repo, version)
	}

	opts.ReferenceName = plumbing.NewBranchReferenceName(version)
	_, err := git.PlainCloneContext(ctx, a.cfg.Dest, false, opts)
	if errors.Is(err, plumbing.ErrReferenceNotFound) || isNoMatchingRef(err) {
		_ = os.RemoveAll(a.cfg.Dest)
		opts.ReferenceName = plumbing.NewTagReferenceName(version)
		_, err = git.PlainCloneContext(ctx, a.cfg.Dest, false, opts)
	}
	if err != nil {
		return a.cleanup(err)
	}
	return nil
}

func isNoMatchingRef(err error) bool {
	return err != nil && strings.Contains(err.Error(), "couldn't find remote ref")
}

// errCloneFailed marks a clone that failed and was removed again; the task
// fails without aborting the host.
var errCloneFailed = errors.New("clone failed")

func (a *gitAction) cleanup(err error) error {
	_ = os.RemoveAll(a.cfg.Dest)
	return fmt.Errorf("%w: %w", errCloneFailed, err)
}

func checkoutHash(repo *git.Repository, rev string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true})
}

func (a *gitAction) updateNative(ctx context.Context) error {
	repo, err := git.PlainOpen(a.cfg.Dest)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.AllTags,
		Depth:      a.cfg.Depth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch failed: %w", err)
	}

	version := a.cfg.Version
	if version == "" {
		head, err := repo.Head()
		if err != nil {
			return err
		}
		if !head.Name().IsBranch() {
			return nil
		}
		version = head.Name().Short()
	}

	if commitRe.MatchString(version) {
		return checkoutHash(repo, version)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", version), true); err == nil {
		branch := plumbing.NewBranchReferenceName(version)
		if _, err := repo.Reference(branch, false); err != nil {
			if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, remote.Hash())); err != nil {
				return err
			}
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: branch, Force: true}); err != nil {
			return err
		}
		return wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.HardReset})
	}
	return checkoutHash(repo, version)
}

func (a *gitAction) cloneCLI(ctx context.Context, actx *Context) error {
	q := transports.ShellQuote
	command := "git clone"
	if a.cfg.Depth > 0 && !commitRe.MatchString(a.cfg.Version) {
		command += " --depth " + strconv.Itoa(a.cfg.Depth)
	}
	if a.cfg.Version != "" && !commitRe.MatchString(a.cfg.Version) {
		command += " --branch " + q(a.cfg.Version)
	}
	command += " " + q(a.cfg.Repo) + " " + q(a.cfg.Dest)
	if commitRe.MatchString(a.cfg.Version) {
		command += " && git -C " + q(a.cfg.Dest) + " checkout --force " + q(a.cfg.Version)
	}
	_, err := runChecked(ctx, actx, command)
	return err
}

func (a *gitAction) updateCLI(ctx context.Context, actx *Context) error {
	q := transports.ShellQuote
	dir := "git -C " + q(a.cfg.Dest)
	command := dir + " fetch --tags --force origin"
	switch v := a.cfg.Version; {
	case v == "":
		command += " && " + dir + " merge --ff-only"
	case commitRe.MatchString(v):
		command += " && " + dir + " checkout --force " + q(v)
	default:
		command += fmt.Sprintf(" && if %s show-ref --verify --quiet %s; then %s checkout --force -B %s %s; else %s checkout --force %s; fi",
			dir, q("refs/remotes/origin/"+v), dir, q(v), q("origin/"+v), dir, q(v))
	}
	_, err := runChecked(ctx, actx, command)
	return err
}

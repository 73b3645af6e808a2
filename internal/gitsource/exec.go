package gitsource

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/lazyaf/engine/internal/lazyerr"
)

// ExecGit is a Reader backed by shelling out to the system git binary.
type ExecGit struct{}

// New returns the default, exec.Command-backed Reader.
func New() *ExecGit { return &ExecGit{} }

var _ Reader = (*ExecGit)(nil)

func (g *ExecGit) Checkout(ctx context.Context, dir string, req CheckoutRequest) (CheckoutResult, error) {
	if _, err := os.Stat(dir + "/.git"); err != nil {
		if err := g.run(ctx, "", "clone", "--no-checkout", req.RepoURL, dir); err != nil {
			return CheckoutResult{}, err
		}
	} else {
		if err := g.run(ctx, dir, "fetch", "origin", req.Branch); err != nil {
			return CheckoutResult{}, err
		}
	}

	ref := req.CommitSHA
	if ref == "" {
		ref = "origin/" + req.Branch
	}
	if err := g.run(ctx, dir, "checkout", "--force", ref); err != nil {
		return CheckoutResult{}, err
	}

	sha, err := g.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{ResolvedSHA: strings.TrimSpace(sha)}, nil
}

func (g *ExecGit) FastForward(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, "push", "origin", "HEAD:"+branch)
}

func (g *ExecGit) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "git "+strings.Join(args, " ")+": "+stderr.String(), err)
	}
	return nil
}

func (g *ExecGit) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "git "+strings.Join(args, " "), err)
	}
	return string(out), nil
}

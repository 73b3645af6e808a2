// Package gitsource defines the pluggable git collaborator the workspace
// manager uses to populate a workspace's /workspace/repo checkout.
package gitsource

import "context"

// CheckoutRequest describes what to materialize into a workspace.
type CheckoutRequest struct {
	RepoID    string
	RepoURL   string
	Branch    string
	CommitSHA string // pinned SHA, empty means "resolve Branch's HEAD"
}

// CheckoutResult reports what was actually checked out.
type CheckoutResult struct {
	ResolvedSHA string
}

// Reader is the narrow git-collaborator surface the workspace manager
// depends on: clone-if-absent, then fetch/checkout the requested ref into
// an existing working directory.
type Reader interface {
	// Checkout clones repo into dir if it does not already contain a git
	// repository, otherwise fetches and checks out req's ref in place.
	Checkout(ctx context.Context, dir string, req CheckoutRequest) (CheckoutResult, error)
	// FastForward pushes dir's current HEAD to branch on the remote,
	// fast-forward only. Used by the scheduler's merge edge (spec §4.11):
	// only ever called after a step completes successfully.
	FastForward(ctx context.Context, dir, branch string) error
}

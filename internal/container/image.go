package container

import (
	"github.com/docker/distribution/reference"
)

// expandImage returns the fully qualified image name, so that inspect and
// pull agree on what "the same image" means regardless of how the step
// spelled it (alpine vs docker.io/library/alpine:latest).
func expandImage(name string) string {
	ref, err := reference.ParseAnyReference(name)
	if err != nil {
		return name
	}
	named, err := reference.ParseNamed(ref.String())
	if err != nil {
		return name
	}
	named = reference.TagNameOnly(named)
	return named.String()
}

// isLatestImage returns true if the image is tagged :latest, explicitly or
// by omission. Floating tags are re-pulled on every run; pinned tags are
// only pulled when absent.
func isLatestImage(name string) bool {
	ref, err := reference.ParseAnyReference(name)
	if err != nil {
		return false
	}
	named, err := reference.ParseNamed(ref.String())
	if err != nil {
		return false
	}
	named = reference.TagNameOnly(named)
	tagged, ok := named.(reference.Tagged)
	return ok && tagged.Tag() == "latest"
}

package localexec

import (
	"os"
	"path/filepath"
)

// writeControlFile writes data into the workspace volume's .control
// directory (resolved to its host path by the caller) with mode 0400: the
// step container can read it, nothing else needs write access once it's
// placed (spec §4.7 — the step token must not be group/world readable).
func writeControlFile(hostRoot, name string, data []byte) error {
	dir := filepath.Join(hostRoot, ".control")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0400)
}

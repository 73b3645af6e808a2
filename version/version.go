// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package version holds the build-time version string reported by the
// CLI's --version flag and the /healthz endpoint.
package version

// Version is set at build time via -ldflags; it defaults to "dev" for
// local builds.
var Version = "dev"

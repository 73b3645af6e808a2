// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package cli

import (
	"os"

	"github.com/lazyaf/engine/cli/certs"
	"github.com/lazyaf/engine/cli/server"
	"github.com/lazyaf/engine/version"

	"github.com/alecthomas/kingpin/v2"
)

// Command parses the command line arguments and then executes a
// subcommand program. The CLI surface itself is bootstrap glue (spec §1
// non-goals); the only subcommands are starting the engine's server and
// generating the TLS certificates it needs to do so.
func Command() {
	app := kingpin.New("lazyaf-engine", "LazyAF pipeline execution engine")
	app.HelpFlag.Short('h')
	app.Version(version.Version)
	app.VersionFlag.Short('v')
	server.Register(app)
	certs.Register(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

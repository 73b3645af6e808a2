// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Command lazyaf-control is the PID 1 entrypoint baked into every step
// container image (spec §4.6): it reads step_config.json, reports status
// and heartbeats to the control server, execs the step's real command, and
// exits with that command's own exit code so the orchestrator's `wait` call
// observes the right result.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/engine/internal/control/agent"
)

func main() {
	code, err := agent.Run(context.Background())
	if err != nil {
		logrus.WithError(err).Errorln("lazyaf-control: agent run failed")
	}
	os.Exit(code)
}

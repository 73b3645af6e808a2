// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config provides the system configuration.
type Config struct {
	Debug      bool   `envconfig:"DEBUG"`
	Trace      bool   `envconfig:"TRACE"`
	ServerName string `envconfig:"SERVER_NAME" default:"lazyaf"`

	Server struct {
		Bind              string `envconfig:"HTTPS_BIND" default:":3000"`
		CertFile          string `envconfig:"SERVER_CERT_FILE" default:"/tmp/certs/server-cert.pem"` // Server certificate PEM file
		KeyFile           string `envconfig:"SERVER_KEY_FILE" default:"/tmp/certs/server-key.pem"`   // Server key PEM file
		CACertFile        string `envconfig:"CLIENT_CERT_FILE" default:"/tmp/certs/ca-cert.pem"`     // CA certificate file
		Insecure          bool   `envconfig:"SERVER_INSECURE" default:"false"`                       // run in insecure mode
	}

	Database struct {
		DatabaseURL string `envconfig:"DATABASE_URL"` // empty uses the in-memory store
	}

	Docker struct {
		Host string `envconfig:"DOCKER_HOST" default:"unix:///var/run/docker.sock"`
	}

	Engine struct {
		TokenSecret              string `envconfig:"TOKEN_SECRET"` // empty generates a random per-process secret
		SingleNode               bool   `envconfig:"SINGLE_NODE" default:"true"`
		UseLocalExecutor         bool   `envconfig:"USE_LOCAL_EXECUTOR" default:"true"`
		AllowLocalAgentSteps     bool   `envconfig:"ALLOW_LOCAL_AGENT_STEPS" default:"false"`
		ForceRemote              bool   `envconfig:"FORCE_REMOTE" default:"false"`
		DefaultRunnerType        string `envconfig:"DEFAULT_RUNNER_TYPE" default:"any"`
		HeartbeatIntervalSeconds int    `envconfig:"HEARTBEAT_INTERVAL_S" default:"10"`
		RegistrationTimeoutSecs  int    `envconfig:"REGISTRATION_TIMEOUT_S" default:"10"`
		AckTimeoutSeconds        int    `envconfig:"ACK_TIMEOUT_S" default:"5"`
		RunnerDeathTimeoutSecs   int    `envconfig:"RUNNER_DEATH_TIMEOUT_S" default:"30"`
		DefaultStepTimeoutSecs   int    `envconfig:"DEFAULT_STEP_TIMEOUT_S" default:"3600"`
		TriggerDedupWindowSecs   int    `envconfig:"TRIGGER_DEDUP_WINDOW_S" default:"3600"`
		DebugDefaultTimeoutSecs  int    `envconfig:"DEBUG_DEFAULT_TIMEOUT_S" default:"3600"`
		DebugMaxTimeoutSecs      int    `envconfig:"DEBUG_MAX_TIMEOUT_S" default:"14400"`
		OrphanGraceMinutes       int    `envconfig:"ORPHAN_GRACE_MINUTES" default:"5"`
		CompletedExecRetainDays  int    `envconfig:"COMPLETED_EXEC_RETENTION_DAYS" default:"30"`
	}
}

// Load loads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	err := envconfig.Process("", &cfg)
	return cfg, err
}

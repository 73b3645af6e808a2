// Package agent implements the in-container half of the Control-Layer
// Protocol (spec §4.6): the PID 1 program every step container runs
// instead of the user's command directly. It reads step_config.json,
// reports status and heartbeats to the control server, execs the real
// command, ships its output in batches, and exits with the same code —
// grounded on the retry/backoff shape of the teacher's
// logstream/remote.HTTPClient.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// configPath is where internal/localexec's writeControlFile places
// step_config.json inside the workspace bind-mount.
const configPath = "/workspace/.control/step_config.json"

// heartbeatInterval and extendSeconds match the cadence spec §4.6 step 3
// describes: ping every 10s, ask for another 60s of budget each time.
const (
	heartbeatInterval = 10 * time.Second
	extendSeconds     = 60

	maxBatchLines = 10
	maxBatchDelay = time.Second

	// retryBudget bounds how long the agent keeps retrying a single HTTP
	// call to the control server before giving up and failing the step
	// (spec §4.6: "jittered backoff, capped at 30s, total retry budget 5
	// minutes").
	retryBudget  = 5 * time.Minute
	maxbackoffIv = 30 * time.Second
)

// stepConfig mirrors internal/localexec.stepConfig; it is this program's
// entire view of what to run and how to report back.
type stepConfig struct {
	StepExecutionID  string            `json:"step_execution_id"`
	ExecutionKey     string            `json:"execution_key"`
	Token            string            `json:"token"`
	ControlBaseURL   string            `json:"control_base_url"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
}

// Run loads step_config.json, executes the configured command, and
// reports its outcome to the control server. It returns the command's
// exit code (to be passed to os.Exit by the caller) and an error only
// when the agent itself failed before or without ever getting a real
// exit code out of the child process.
func Run(ctx context.Context) (int, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return 1, fmt.Errorf("read step config: %w", err)
	}
	var cfg stepConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return 1, fmt.Errorf("parse step config: %w", err)
	}

	c := &client{
		baseURL: cfg.ControlBaseURL,
		token:   cfg.Token,
		stepID:  cfg.StepExecutionID,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "control-client",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"breaker": name, "from": from, "to": to}).Warnln("agent: control client circuit breaker state change")
			},
			IsSuccessful: func(err error) bool {
				// A cancelled run or a 4xx the control server permanently
				// rejected is not the control server being down; only count
				// the retry budget actually running out against the breaker.
				if err == nil || err == context.Canceled || err == context.DeadlineExceeded {
					return true
				}
				var perr *backoff.PermanentError
				return errors.As(err, &perr)
			},
		}),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if err := c.postStatus(runCtx, "running", nil, ""); err != nil {
		logrus.WithError(err).Warnln("agent: failed to report running status")
	}

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(hbCtx)
	}()

	if len(cfg.Command) == 0 {
		stopHeartbeat()
		wg.Wait()
		err := fmt.Errorf("empty command")
		_ = c.postStatus(context.Background(), "failed", nil, err.Error())
		return 1, err
	}

	cmd := exec.CommandContext(runCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = "/workspace/repo"
	}
	cmd.Env = append(os.Environ(), envSlice(cfg.Env)...)

	batcher := newLogBatcher(c)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, fmt.Errorf("stderr pipe: %w", err)
	}

	batcher.start(runCtx)
	var readWg sync.WaitGroup
	readWg.Add(2)
	go func() { defer readWg.Done(); batcher.consume(stdout, "stdout") }()
	go func() { defer readWg.Done(); batcher.consume(stderr, "stderr") }()

	startErr := cmd.Start()
	if startErr != nil {
		stopHeartbeat()
		wg.Wait()
		batcher.stop()
		_ = c.postStatus(context.Background(), "failed", nil, startErr.Error())
		return 1, startErr
	}

	waitErr := cmd.Wait()
	readWg.Wait()
	batcher.stop()
	stopHeartbeat()
	wg.Wait()

	exitCode := 0
	var errMsg string
	status := "completed"
	if runCtx.Err() == context.DeadlineExceeded {
		exitCode = 1
		status = "failed"
		errMsg = "step exceeded its timeout"
	} else if waitErr != nil {
		status = "failed"
		errMsg = waitErr.Error()
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if err := c.postStatus(context.Background(), status, &exitCode, errMsg); err != nil {
		logrus.WithError(err).Errorln("agent: failed to report terminal status")
	}
	return exitCode, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// client is the HTTP half talking to internal/control/server, modeled on
// the teacher's logstream/remote.HTTPClient retry() helper.
type client struct {
	baseURL string
	token   string
	stepID  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func (c *client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := struct {
				ExtendSeconds int `json:"extend_seconds"`
			}{extendSeconds}
			if err := c.post(ctx, "/heartbeat", body, nil); err != nil {
				logrus.WithError(err).Warnln("agent: heartbeat failed")
			}
		}
	}
}

type statusBody struct {
	Status    string    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *client) postStatus(ctx context.Context, status string, exitCode *int, errMsg string) error {
	body := statusBody{Status: status, ExitCode: exitCode, Error: errMsg, Timestamp: time.Now()}
	return c.post(ctx, "/status", body, nil)
}

func (c *client) postLogs(ctx context.Context, lines []logLine) error {
	body := struct {
		Lines []logLine `json:"lines"`
	}{lines}
	return c.post(ctx, "/logs", body, nil)
}

// post retries transient failures with exponential backoff, capped per
// call and overall by retryBudget, the same 5xx/network-error retry shape
// the teacher's HTTPClient.retry uses.
func (c *client) post(ctx context.Context, path string, in, out any) error {
	url := c.baseURL + "/api/steps/" + c.stepID + path

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxbackoffIv
	b.MaxElapsedTime = retryBudget

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, backoff.Retry(func() error {
			err := c.do(ctx, url, in, out)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logrus.WithError(err).WithField("path", path).Warnln("agent: control request failed, retrying")
			return err
		}, backoff.WithContext(b, ctx))
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("control client circuit open: %w", err)
	}
	return err
}

func (c *client) do(ctx context.Context, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("control server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return backoff.Permanent(fmt.Errorf("control server rejected request: %s: %s", resp.Status, string(data)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package container adapts the Docker SDK into the narrow Orchestrator
// interface the local executor and workspace manager depend on, generalizing
// the teacher's engine/docker package from a single long-lived pipeline
// container set to the per-step, per-workspace-volume model this engine uses.
package container

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/engine/internal/lazyerr"
)

const (
	imagePullMaxRetries     = 3
	imagePullRetryDelay     = 50 * time.Millisecond
	containerStartRetries   = 5
	containerStartRetryWait = 2 * time.Second

	defaultMemLimitBytes = 2 << 30 // 2 GiB
	defaultNanoCPUs      = 2e9     // 2 CPUs
)

// RunSpec describes one step's container run, resolved from domain.StepType
// by the local executor before it reaches the orchestrator.
type RunSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        []string
	WorkingDir string
	VolumeName string
	MountPath  string
	Network    string
	Labels     map[string]string

	// MemLimitBytes and NanoCPUs bound the step container. Zero means the
	// engine default (2 GiB, 2 CPUs).
	MemLimitBytes int64
	NanoCPUs      int64
}

// ExitState is the terminal result of a container run.
type ExitState struct {
	ExitCode  int
	OOMKilled bool
}

// Orchestrator is the container-lifecycle surface the rest of the engine
// depends on. It exists so internal/localexec and internal/workspace never
// import the Docker SDK directly.
type Orchestrator interface {
	EnsureNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	// VolumeHostPath resolves a local-driver volume's data directory on the
	// host, so the engine can place the git checkout and the step control
	// files inside the same volume its step containers mount at /workspace.
	VolumeHostPath(ctx context.Context, name string) (string, error)

	Create(ctx context.Context, spec RunSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	StreamLogs(ctx context.Context, containerID string, out io.Writer) error
	Wait(ctx context.Context, containerID string) (ExitState, error)
	Remove(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Kill(ctx context.Context, containerID string) error

	// Exec runs cmd inside an already-running container, used by the debug
	// session service's "shell" attach mode (spec §4.12) to drop into a
	// live step container rather than spinning up a sidecar.
	Exec(ctx context.Context, containerID string, cmd []string) (execID string, err error)

	// AttachExec hijacks the stdio of an exec session created by Exec,
	// giving the debug terminal WebSocket handler a bidirectional stream to
	// bridge to the client.
	AttachExec(ctx context.Context, execID string) (io.ReadWriteCloser, error)
}

// Docker is the production Orchestrator, backed by the Docker Engine API.
type Docker struct {
	cli      client.APIClient
	hidePull bool
}

// New wraps an existing Docker API client.
func New(cli client.APIClient, hidePull bool) *Docker {
	return &Docker{cli: cli, hidePull: hidePull}
}

// NewFromEnv builds a Docker client from the standard DOCKER_HOST/
// DOCKER_TLS_VERIFY/DOCKER_CERT_PATH environment variables.
func NewFromEnv(hidePull bool) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.KindFatal, "connect to docker daemon", err)
	}
	return New(cli, hidePull), nil
}

var _ Orchestrator = (*Docker)(nil)

func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	args := filters.NewArgs()
	args.Add("name", name)
	existing, err := d.cli.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "list networks", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "create network "+name, err)
	}
	return nil
}

func (d *Docker) EnsureVolume(ctx context.Context, name string) error {
	_, err := d.cli.VolumeCreate(ctx, volume.VolumeCreateBody{Name: name, Driver: "local"})
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "create volume "+name, err)
	}
	return nil
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "remove volume "+name, err)
	}
	return nil
}

func (d *Docker) VolumeHostPath(ctx context.Context, name string) (string, error) {
	vol, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		return "", lazyerr.Wrap(lazyerr.KindTransient, "inspect volume "+name, err)
	}
	return vol.Mountpoint, nil
}

func (d *Docker) Create(ctx context.Context, spec RunSpec) (string, error) {
	img := expandImage(spec.Image)
	if isLatestImage(img) {
		if err := d.pullImage(ctx, img, io.Discard); err != nil {
			return "", err
		}
	} else if err := d.pullIfMissing(ctx, img, io.Discard); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        spec.Command,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	memLimit, nanoCPUs := spec.MemLimitBytes, spec.NanoCPUs
	if memLimit == 0 {
		memLimit = defaultMemLimitBytes
	}
	if nanoCPUs == 0 {
		nanoCPUs = defaultNanoCPUs
	}
	hostCfg := &container.HostConfig{
		LogConfig: container.LogConfig{Type: "json-file"},
		Resources: container.Resources{
			Memory:   memLimit,
			NanoCPUs: nanoCPUs,
		},
	}
	if spec.VolumeName != "" {
		mountPath := spec.MountPath
		if mountPath == "" {
			mountPath = "/workspace"
		}
		hostCfg.Binds = []string{spec.VolumeName + ":" + mountPath}
		cfg.WorkingDir = mountPath
	}

	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if pullErr := d.pullImage(ctx, img, io.Discard); pullErr != nil {
				return "", pullErr
			}
			created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, spec.Name)
		}
	}
	if err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "create container for "+spec.Name, err)
	}
	return created.ID, nil
}

func (d *Docker) Start(ctx context.Context, containerID string) error {
	var err error
	for i := 0; i < containerStartRetries; i++ {
		err = d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
		if err == nil {
			return nil
		}
		logrus.WithContext(ctx).WithError(err).WithField("container", containerID).
			Warnln("retrying container start")
		time.Sleep(containerStartRetryWait)
	}
	return lazyerr.Wrap(lazyerr.KindFatal, "start container "+containerID, err)
}

func (d *Docker) StreamLogs(ctx context.Context, containerID string, out io.Writer) error {
	logs, err := d.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		Follow: true, ShowStdout: true, ShowStderr: true,
	})
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "stream logs for "+containerID, err)
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(out, out, logs); err != nil && err != io.EOF {
		return lazyerr.Wrap(lazyerr.KindTransient, "copy logs for "+containerID, err)
	}
	return nil
}

func (d *Docker) Wait(ctx context.Context, containerID string) (ExitState, error) {
	waitCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
	case err := <-errCh:
		if err != nil {
			return ExitState{}, lazyerr.Wrap(lazyerr.KindTransient, "wait for container "+containerID, err)
		}
	}

	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ExitState{}, lazyerr.Wrap(lazyerr.KindTransient, "inspect container "+containerID, err)
	}
	return ExitState{ExitCode: info.State.ExitCode, OOMKilled: info.State.OOMKilled}, nil
}

func (d *Docker) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	if err := d.cli.ContainerStop(ctx, containerID, &grace); err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "stop container "+containerID, err)
	}
	return nil
}

func (d *Docker) Kill(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "kill container "+containerID, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		Force: true, RemoveVolumes: false,
	})
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindTransient, "remove container "+containerID, err)
	}
	return nil
}

func (d *Docker) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd: cmd, AttachStdin: true, AttachStdout: true, AttachStderr: true, Tty: true,
	})
	if err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "create exec on container "+containerID, err)
	}
	if err := d.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Tty: true}); err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "start exec on container "+containerID, err)
	}
	return created.ID, nil
}

// hijackedRWC adapts a types.HijackedResponse (a raw net.Conn plus a
// buffered reader that may already hold read-ahead bytes) to io.ReadWriteCloser.
type hijackedRWC struct {
	resp types.HijackedResponse
}

func (h hijackedRWC) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h hijackedRWC) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }
func (h hijackedRWC) Close() error                { h.resp.Close(); return nil }

func (d *Docker) AttachExec(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, lazyerr.Wrap(lazyerr.KindFatal, "attach exec "+execID, err)
	}
	return hijackedRWC{resp}, nil
}

func (d *Docker) pullIfMissing(ctx context.Context, image string, out io.Writer) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	return d.pullImage(ctx, image, out)
}

func (d *Docker) pullImage(ctx context.Context, image string, out io.Writer) error {
	var err error
	for i := 1; i <= imagePullMaxRetries; i++ {
		err = d.pullOnce(ctx, image, out)
		if err == nil {
			return nil
		}
		switch {
		case errdefs.IsNotFound(err), errdefs.IsUnauthorized(err), errdefs.IsForbidden(err), errdefs.IsCancelled(err):
			return lazyerr.Wrap(lazyerr.KindImagePullFailure, "pull image "+image, err)
		}
		if i < imagePullMaxRetries {
			logrus.WithContext(ctx).WithField("image", image).Infoln("retrying image pull")
			time.Sleep(imagePullRetryDelay)
		}
	}
	return lazyerr.Wrap(lazyerr.KindImagePullFailure, "pull image "+image, err)
}

func (d *Docker) pullOnce(ctx context.Context, image string, out io.Writer) error {
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	if d.hidePull {
		_, err = io.Copy(io.Discard, rc)
		return err
	}
	return jsonmessage.DisplayJSONMessagesStream(rc, out, 0, false, nil)
}

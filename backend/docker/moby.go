package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// mobyAPI implements API over the Docker SDK client.
type mobyAPI struct {
	cli *client.Client
}

var _ API = (*mobyAPI)(nil)

// dialDaemon connects to the daemon named by host, or by the DOCKER_* environment
// when host is empty.
func dialDaemon(host string) (*mobyAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &mobyAPI{cli: cli}, nil
}

func (m *mobyAPI) Mode(ctx context.Context) (Mode, error) {
	info, err := m.cli.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("querying daemon info: %w", err)
	}
	if info.Swarm.LocalNodeState != swarm.LocalNodeStateActive {
		return ModeStandalone, nil
	}
	if info.Swarm.ControlAvailable {
		return ModeSwarmManager, nil
	}
	return ModeSwarmWorker, nil
}

func (m *mobyAPI) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, ref)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

func (m *mobyAPI) PullImage(ctx context.Context, ref string) error {
	rc, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull completes only once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

func (m *mobyAPI) CreateContainer(ctx context.Context, name string, opts ContainerOpts) (string, error) {
	cfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        opts.Env,
		WorkingDir: opts.WorkDir,
	}
	hostCfg := &container.HostConfig{
		Binds: opts.Binds,
		Resources: container.Resources{
			NanoCPUs: opts.NanoCPUs,
			Memory:   opts.MemoryBytes,
		},
	}

	created, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if errdefs.IsConflict(err) {
		return "", fmt.Errorf("container %q: %w", name, ErrNameConflict)
	}
	if err != nil {
		return "", fmt.Errorf("creating container %q: %w", name, err)
	}
	return created.ID, nil
}

func (m *mobyAPI) AttachContainer(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := m.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container %s: %w", id, err)
	}
	// Read through the buffered reader; closing the hijacked connection ends
	// the stream.
	return &attachStream{Reader: resp.Reader, conn: resp.Conn}, nil
}

type attachStream struct {
	io.Reader
	conn io.Closer
}

func (s *attachStream) Close() error { return s.conn.Close() }

func (m *mobyAPI) StartContainer(ctx context.Context, id string) error {
	if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (m *mobyAPI) WaitContainer(ctx context.Context, id string) (int, error) {
	waitCh, errCh := m.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("waiting on container %s: %s", id, resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("waiting on container %s: %w", id, err)
	}
}

func (m *mobyAPI) RemoveContainer(ctx context.Context, id string) error {
	err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (m *mobyAPI) CreateService(ctx context.Context, name string, opts ServiceOpts) (string, error) {
	replicas := uint64(1)
	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: name},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   opts.Image,
				Command: opts.Command,
				Env:     opts.Env,
				Dir:     opts.WorkDir,
				Mounts:  bindMounts(opts.Binds),
			},
			Resources: &swarm.ResourceRequirements{
				Reservations: &swarm.Resources{
					NanoCPUs:    opts.CPUReservation,
					MemoryBytes: opts.MemoryReservation,
				},
				Limits: &swarm.Limit{
					NanoCPUs:    opts.CPULimit,
					MemoryBytes: opts.MemoryLimit,
				},
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: swarm.RestartPolicyConditionNone,
			},
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
	}

	resp, err := m.cli.ServiceCreate(ctx, spec, types.ServiceCreateOptions{})
	if errdefs.IsConflict(err) {
		return "", fmt.Errorf("service %q: %w", name, ErrNameConflict)
	}
	if err != nil {
		return "", fmt.Errorf("creating service %q: %w", name, err)
	}
	return resp.ID, nil
}

func (m *mobyAPI) ServiceTask(ctx context.Context, serviceID string) (ServiceTask, error) {
	tasks, err := m.cli.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", serviceID)),
	})
	if err != nil {
		return ServiceTask{}, fmt.Errorf("listing tasks of service %s: %w", serviceID, err)
	}
	if len(tasks) == 0 {
		// The scheduler has not materialized the task yet.
		return ServiceTask{State: string(swarm.TaskStatePending)}, nil
	}

	st := tasks[0].Status
	out := ServiceTask{
		State:   string(st.State),
		Message: st.Err,
	}
	if st.ContainerStatus != nil {
		out.ExitCode = st.ContainerStatus.ExitCode
	}
	return out, nil
}

func (m *mobyAPI) ServiceLogs(ctx context.Context, serviceID string) (io.ReadCloser, error) {
	rc, err := m.cli.ServiceLogs(ctx, serviceID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("reading logs of service %s: %w", serviceID, err)
	}
	return rc, nil
}

func (m *mobyAPI) RemoveService(ctx context.Context, serviceID string) error {
	if err := m.cli.ServiceRemove(ctx, serviceID); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing service %s: %w", serviceID, err)
	}
	return nil
}

func (m *mobyAPI) Close() error {
	return m.cli.Close()
}

// bindMounts converts "src:dst[:ro]" bind strings to swarm mount specs.
func bindMounts(binds []string) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(binds))
	for _, bind := range binds {
		parts := strings.Split(bind, ":")
		if len(parts) < 2 {
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   parts[0],
			Target:   parts[1],
			ReadOnly: len(parts) > 2 && parts[2] == "ro",
		})
	}
	return mounts
}

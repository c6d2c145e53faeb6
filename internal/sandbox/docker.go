package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sandbox-browser/internal/command"
)

// DockerConfig controls how sandbox containers are created
type DockerConfig struct {
	Image string
	// Ports are container ports published on random host ports. Each
	// published port gets a preview URL.
	Ports       []int
	PreviewHost string
	Env         []string
	ShmSizeMB   int64
}

// DockerProvider runs each sandbox as a long-lived container
type DockerProvider struct {
	client *client.Client
	cfg    DockerConfig
	logger *zap.Logger
}

// NewDockerProvider connects to the docker daemon from the environment
func NewDockerProvider(cfg DockerConfig, logger *zap.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.PreviewHost == "" {
		cfg.PreviewHost = "localhost"
	}

	return &DockerProvider{
		client: cli,
		cfg:    cfg,
		logger: logger.Named("docker"),
	}, nil
}

// Provision creates and starts a sandbox container for a session
func (p *DockerProvider) Provision(ctx context.Context, sessionID string) (Sandbox, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range p.cfg.Ports {
		containerPort := tcpPort(port)
		exposed[containerPort] = struct{}{}
		bindings[containerPort] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}}
	}

	containerConfig := &container.Config{
		Image: p.cfg.Image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "sandbox-browser",
		},
		Env:          p.cfg.Env,
		ExposedPorts: exposed,
		Cmd:          []string{"sleep", "infinity"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   false,
		ShmSize:      p.cfg.ShmSizeMB * 1024 * 1024,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "sandbox-"+shortID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("sandbox provisioned", zap.String("sandbox_id", resp.ID), zap.String("session_id", sessionID))
	return p.Get(ctx, resp.ID)
}

// Get resolves a running sandbox container
func (p *DockerProvider) Get(ctx context.Context, id string) (Sandbox, error) {
	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to inspect sandbox %s: %w", id, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("sandbox %s is not running: %w", id, ErrNotFound)
	}

	var published nat.PortMap
	if inspect.NetworkSettings != nil {
		published = inspect.NetworkSettings.Ports
	}

	return &dockerSandbox{
		client:   p.client,
		id:       inspect.ID,
		previews: previewURLs(p.cfg.PreviewHost, p.cfg.Ports, published),
	}, nil
}

// Release stops and removes a sandbox container. Missing containers are not
// an error.
func (p *DockerProvider) Release(ctx context.Context, id string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the sandbox image if it is not present locally
func (p *DockerProvider) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.cfg.Image {
				return nil
			}
		}
	}

	p.logger.Info("pulling sandbox image", zap.String("image", p.cfg.Image))
	reader, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client
func (p *DockerProvider) Close() error {
	return p.client.Close()
}

type dockerSandbox struct {
	client   *client.Client
	id       string
	previews map[int]string
}

func (s *dockerSandbox) ID() string { return s.id }

func (s *dockerSandbox) PreviewURL(port int) (string, bool) {
	u, ok := s.previews[port]
	return u, ok
}

func (s *dockerSandbox) Exec(ctx context.Context, cmd string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	created, err := s.client.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          execArgv(cmd, opts.Timeout),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, s.wrap("exec create", err)
	}

	attach, err := s.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, s.wrap("exec attach", err)
	}
	defer attach.Close()

	stdout, stderr, err := readOutput(ctx, attach.Reader, closerFunc(attach.Close))
	if ctx.Err() != nil {
		return ExecResult{Stdout: stdout, Stderr: stderr},
			fmt.Errorf("exec timed out after %s: %w", opts.Timeout, ctx.Err())
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, s.wrap("exec inspect", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// execArgv runs cmd under sh. With a timeout the command is also run under
// coreutils timeout so it is killed inside the container when the caller
// gives up. Detached commands return before the deadline and keep running.
func execArgv(cmd string, timeout time.Duration) []string {
	if timeout <= 0 {
		return []string{"/bin/sh", "-c", cmd}
	}
	secs := int((timeout + time.Second - 1) / time.Second)
	return []string{"timeout", "-s", "KILL", strconv.Itoa(secs), "/bin/sh", "-c", cmd}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// readOutput demultiplexes an exec stream until it ends. When ctx is done
// first the stream is closed and the copy drained before the buffers are
// read.
func readOutput(ctx context.Context, r io.Reader, stream io.Closer) (string, string, error) {
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, r)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		stream.Close()
		<-done
		err = ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}

func (s *dockerSandbox) WriteFile(ctx context.Context, filePath string, content []byte) error {
	dir := path.Dir(filePath)
	res, err := s.Exec(ctx, command.New("mkdir", "-p", dir).String(), ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to create %s: %s", dir, strings.TrimSpace(res.Combined()))
	}

	archive, err := singleFileTar(path.Base(filePath), content)
	if err != nil {
		return err
	}
	if err := s.client.CopyToContainer(ctx, s.id, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return s.wrap("copy to sandbox", err)
	}
	return nil
}

func (s *dockerSandbox) ReadFile(ctx context.Context, filePath string) (string, error) {
	reader, _, err := s.client.CopyFromContainer(ctx, s.id, filePath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%s: %w", filePath, ErrNotFound)
		}
		return "", s.wrap("copy from sandbox", err)
	}
	defer reader.Close()

	content, err := firstFileFromTar(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	return base64.StdEncoding.EncodeToString(content), nil
}

func (s *dockerSandbox) wrap(op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: sandbox %s: %w", op, s.id, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func previewURLs(host string, ports []int, published nat.PortMap) map[int]string {
	previews := make(map[int]string, len(ports))
	for _, port := range ports {
		bindings := published[tcpPort(port)]
		if len(bindings) == 0 || bindings[0].HostPort == "" {
			continue
		}
		previews[port] = fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)
	}
	return previews
}

func singleFileTar(name string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func firstFileFromTar(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func tcpPort(port int) nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", port))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Package docker provides a connector for simulator images running in
// Docker containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/eugenetaranov/devcheck/internal/connector"
)

// Connector executes commands inside a running container with docker exec.
type Connector struct {
	container string
	user      string
}

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user commands run as.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{container: container}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", c.container)
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container %q not found or not accessible: %w", c.container, err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("container %q is not running", c.container)
	}

	return nil
}

// Execute runs a command inside the container.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	execCmd := exec.CommandContext(ctx, "docker", c.execArgs("/bin/sh", "-c", cmd)...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	result := &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command in container: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Stream runs a command inside the container and copies its standard
// output to w. A non-zero exit status of the command is not an error.
//
// docker exec itself exits with 125-127 when the container or shell is
// unusable; those are reported as failures.
func (c *Connector) Stream(ctx context.Context, cmd string, w io.Writer) error {
	execCmd := exec.CommandContext(ctx, "docker", c.execArgs("/bin/sh", "-c", cmd)...)
	execCmd.Stdout = w

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil && exitErr.ExitCode() < 125 {
			return nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("docker exec in %s failed: %s: %w", c.container, msg, err)
		}
		return fmt.Errorf("docker exec in %s failed: %w", c.container, err)
	}
	return nil
}

// execArgs builds the docker exec arguments for argv.
func (c *Connector) execArgs(argv ...string) []string {
	args := []string{"exec"}
	if c.user != "" {
		args = append(args, "-u", c.user)
	}
	args = append(args, c.container)
	return append(args, argv...)
}

// Upload copies content to a file inside the container. The file is sent
// as a single-entry tar stream to docker cp.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read upload source: %w", err)
	}

	var archive bytes.Buffer
	if err := writeArchive(&archive, path.Base(dst), data, mode); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", "-", c.container+":"+path.Dir(dst))
	cmd.Stdin = &archive
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy %s to container: %s: %w", dst, strings.TrimSpace(string(out)), err)
	}

	return nil
}

func writeArchive(w io.Writer, name string, data []byte, mode uint32) error {
	tw := tar.NewWriter(w)
	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(mode & 0o7777),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write archive header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return tw.Close()
}

// Download copies content from a file inside the container.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	cmd := exec.CommandContext(ctx, "docker", c.execArgs("cat", src)...)
	cmd.Stdout = dst

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to read %s from container: %s: %w", src, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Close is a no-op for Docker connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	if c.user != "" {
		return fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return "docker://" + c.container
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

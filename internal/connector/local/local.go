// Package local provides a connector that runs device commands on the local machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/eugenetaranov/devcheck/internal/connector"
)

// Connector executes commands on the local machine.
type Connector struct {
	shell     string
	shellArgs []string
}

// Option configures the local connector.
type Option func(*Connector)

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the platform can run the diagnostic shell commands.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	if _, err := exec.LookPath(c.shell); err != nil {
		return fmt.Errorf("shell %s not found: %w", c.shell, err)
	}
	return nil
}

func (c *Connector) command(ctx context.Context, cmd string) *exec.Cmd {
	args := append(append([]string{}, c.shellArgs...), cmd)
	return exec.CommandContext(ctx, c.shell, args...)
}

// Execute runs a command locally and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	execCmd := c.command(ctx, cmd)

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
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Stream runs a command locally and copies its standard output to w.
// A non-zero exit status is not an error.
func (c *Connector) Stream(ctx context.Context, cmd string, w io.Writer) error {
	execCmd := c.command(ctx, cmd)
	execCmd.Stdout = w

	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return nil
		}
		return fmt.Errorf("failed to execute command: %w", err)
	}
	return nil
}

// Upload writes content from src to a local file at dst.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}

	if err := f.Chmod(os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}

	return nil
}

// Download reads content from a local file at src to dst.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read from %s: %w", src, err)
	}

	return nil
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return "local://" + hostname
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

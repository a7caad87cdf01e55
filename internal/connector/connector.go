// Package connector defines the interface for executing commands on target devices.
package connector

import (
	"context"
	"io"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// Stream runs a command on the target and writes its standard output to
	// w as it arrives. Each Write call carries one chunk, in order. Only
	// transport failures are returned; the exit status is ignored.
	Stream(ctx context.Context, cmd string, w io.Writer) error

	// Upload copies a file from local source to remote destination.
	Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error

	// Download copies a file from remote source to local destination.
	Download(ctx context.Context, src string, dst io.Writer) error

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// WriterFunc adapts a function to io.Writer. It is handy for receiving
// streamed output chunks.
type WriterFunc func(p []byte) (int, error)

// Write calls f(p).
func (f WriterFunc) Write(p []byte) (int, error) {
	return f(p)
}

// Package ssh provides a connector for devices reachable over SSH, with file
// transfer over SFTP.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/devcheck/internal/connector"
	"github.com/eugenetaranov/devcheck/internal/device"
)

// ErrNotConnected is returned when a command is issued before Connect.
var ErrNotConnected = errors.New("ssh: not connected")

const defaultTimeout = 30 * time.Second

// Connector executes commands on a device over SSH.
type Connector struct {
	cfg             device.Config
	hostKeyCallback gossh.HostKeyCallback

	mu     sync.Mutex
	client *gossh.Client
}

// Option configures the SSH connector.
type Option func(*Connector)

// WithHostKeyCallback sets the host key verification callback. By default
// host keys are not verified: device images regenerate them on reflash.
func WithHostKeyCallback(cb gossh.HostKeyCallback) Option {
	return func(c *Connector) {
		c.hostKeyCallback = cb
	}
}

// New creates a new SSH connector for the device configuration.
func New(cfg device.Config, opts ...Option) *Connector {
	c := &Connector{
		cfg:             cfg,
		hostKeyCallback: gossh.InsecureIgnoreHostKey(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Connector) timeout() time.Duration {
	if c.cfg.Timeout <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.cfg.Timeout) * time.Second
}

func (c *Connector) addr() string {
	return net.JoinHostPort(strings.TrimSpace(c.cfg.Host), strconv.Itoa(c.cfg.GetPort()))
}

// Connect dials the device and performs the SSH handshake. The configured
// timeout bounds both the dial and the handshake.
func (c *Connector) Connect(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Host) == "" {
		return errors.New("host is empty")
	}

	clientConfig, err := c.clientConfig()
	if err != nil {
		return err
	}

	addr := c.addr()
	timeout := c.timeout()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	clientConn, chans, reqs, err := gossh.NewClientConn(conn, addr, clientConfig)
	if !stop() {
		// ctx fired during the handshake and closed conn.
		if err == nil {
			_ = clientConn.Close()
		}
		return fmt.Errorf("connection to %s aborted: %w", addr, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.client = gossh.NewClient(clientConn, chans, reqs)
	c.mu.Unlock()

	return nil
}

func (c *Connector) clientConfig() (*gossh.ClientConfig, error) {
	user := strings.TrimSpace(c.cfg.User)
	if user == "" {
		return nil, errors.New("username is empty")
	}

	auth, err := buildAuth(c.cfg)
	if err != nil {
		return nil, err
	}

	return &gossh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.timeout(),
	}, nil
}

func buildAuth(cfg device.Config) ([]gossh.AuthMethod, error) {
	switch cfg.GetAuth() {
	case device.AuthPassword:
		if cfg.Password == "" {
			return nil, errors.New("password is empty")
		}
		return []gossh.AuthMethod{gossh.Password(cfg.Password)}, nil

	case device.AuthKey:
		if cfg.KeyFile == "" {
			return nil, errors.New("key file is empty")
		}
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			var missing *gossh.PassphraseMissingError
			if errors.As(err, &missing) {
				return nil, fmt.Errorf("private key %s is encrypted, passphrase-protected keys are not supported: %w", cfg.KeyFile, err)
			}
			return nil, fmt.Errorf("failed to parse private key %s: %w", cfg.KeyFile, err)
		}
		return []gossh.AuthMethod{gossh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unknown authentication type: %s", cfg.Auth)
	}
}

func (c *Connector) getClient() (*gossh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Execute runs a command on the device and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.run(ctx, cmd, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return &connector.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// Stream runs a command on the device, writing stdout chunks to w as the
// device sends them. A non-zero exit status is not an error.
func (c *Connector) Stream(ctx context.Context, cmd string, w io.Writer) error {
	_, err := c.run(ctx, cmd, w, io.Discard)
	return err
}

// run starts cmd in a new session and waits for it. The exit code is
// returned separately from transport errors.
func (c *Connector) run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	client, err := c.getClient()
	if err != nil {
		return 0, err
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("unable to open session on %s: %w", c.cfg.Host, err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return 0, fmt.Errorf("failed to start command on %s: %w", c.cfg.Host, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return 0, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return 0, fmt.Errorf("command on %s failed: %w", c.cfg.Host, err)
	}
}

func (c *Connector) sftpClient() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("unable to start SFTP on %s: %w", c.cfg.Host, err)
	}
	return sc, nil
}

// Upload copies content to a file on the device over SFTP.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	f, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", dst, c.cfg.Host, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("failed to write %s on %s: %w", dst, c.cfg.Host, err)
	}

	if err := f.Chmod(os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}

	return nil
}

// Download copies content from a file on the device over SFTP.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	f, err := sc.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open %s on %s: %w", src, c.cfg.Host, err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("unable to read %s on %s: %w", src, c.cfg.Host, err)
	}

	return nil
}

// Close terminates the connection. It is safe to call more than once.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.addr())
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

// Package deploy copies local files to a device.
package deploy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/eugenetaranov/devcheck/internal/connector"
)

// Transfer is one file to copy.
type Transfer struct {
	// Local is the path of the file on this machine.
	Local string

	// TargetDir is the directory on the device that receives the file.
	TargetDir string
}

// Remote returns the destination path on the device.
func (t Transfer) Remote() string {
	return path.Join(t.TargetDir, filepath.Base(t.Local))
}

// Deployer copies files over a connector.
type Deployer struct {
	conn          connector.Connector
	skipUnchanged bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures a Deployer.
type Option func(*Deployer)

// SkipUnchanged skips files whose remote copy already has the same content.
func SkipUnchanged() Option {
	return func(d *Deployer) {
		d.skipUnchanged = true
	}
}

// New creates a deployer that copies files over conn.
func New(conn connector.Connector, opts ...Option) *Deployer {
	d := &Deployer{conn: conn}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run connects and copies files in order, calling onCopied with the size of
// every file written. A failed file does not stop the run; failures are
// returned together once all files were tried. The connection is closed
// when Run returns.
func (d *Deployer) Run(ctx context.Context, files []Transfer, onCopied func(Transfer, int64)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.conn, err)
	}

	var errs error
	ready := make(map[string]bool)
	for _, t := range files {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		if !ready[t.TargetDir] {
			if err := d.mkdir(ctx, t.TargetDir); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			ready[t.TargetDir] = true
		}

		n, copied, err := d.copy(ctx, t)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Local, err))
			continue
		}
		if copied && onCopied != nil {
			onCopied(t, n)
		}
	}

	return multierr.Append(errs, d.conn.Close())
}

// Stop aborts a running deployment.
func (d *Deployer) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = d.conn.Close()
}

func (d *Deployer) copy(ctx context.Context, t Transfer) (int64, bool, error) {
	info, err := os.Stat(t.Local)
	if err != nil {
		return 0, false, err
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("not a regular file")
	}

	data, err := os.ReadFile(t.Local)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read file: %w", err)
	}

	dst := t.Remote()
	if d.skipUnchanged {
		sum, err := remoteChecksum(ctx, d.conn, dst)
		if err != nil {
			return 0, false, fmt.Errorf("failed to check %s: %w", dst, err)
		}
		if sum != "" && sum == checksum(data) {
			return 0, false, nil
		}
	}

	if err := d.conn.Upload(ctx, bytes.NewReader(data), dst, uint32(info.Mode().Perm())); err != nil {
		return 0, false, err
	}
	return int64(len(data)), true, nil
}

func (d *Deployer) mkdir(ctx context.Context, dir string) error {
	result, err := d.conn.Execute(ctx, "mkdir -p "+shellQuote(dir))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", dir, strings.TrimSpace(result.Stderr))
	}
	return nil
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// remoteChecksum returns the SHA256 of a file on the device, or "" when the
// file is missing or no checksum tool is installed.
func remoteChecksum(ctx context.Context, conn connector.Connector, p string) (string, error) {
	cmd := fmt.Sprintf(`if [ -f %[1]s ]; then
		if command -v sha256sum >/dev/null 2>&1; then
			sha256sum %[1]s | cut -d' ' -f1
		elif command -v shasum >/dev/null 2>&1; then
			shasum -a 256 %[1]s | cut -d' ' -f1
		fi
	fi`, shellQuote(p))

	result, err := conn.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

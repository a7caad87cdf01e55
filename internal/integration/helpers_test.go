package integration

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/eugenetaranov/devcheck/internal/connector"
	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/internal/runner"
	"github.com/eugenetaranov/devcheck/pkg/facts"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// stdout and stderr are multiplexed
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// containerOutput runs a command that must succeed and returns its trimmed stdout
func containerOutput(t *testing.T, ctx context.Context, container testcontainers.Container, cmd ...string) string {
	t.Helper()
	exitCode, out, err := execInContainer(ctx, container, cmd)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "command %v should succeed", cmd)
	return strings.TrimSpace(out)
}

// assertFileMode checks that a file has the expected permission mode
func assertFileMode(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expectedMode string) {
	t.Helper()
	mode := containerOutput(t, ctx, container, "stat", "-c", "%a", path)
	assert.Equal(t, expectedMode, mode, "file %s should have mode %s", path, expectedMode)
}

// runDeviceTest runs one device test to completion and returns its report
func runDeviceTest(t *testing.T, cfg device.Config, dial func(device.Config) connector.Connector) *facts.Report {
	t.Helper()

	reports := make(chan *facts.Report, 1)
	r := runner.New(cfg, runner.Handler{
		OnOutput:   func(chunk string) { t.Logf("output: %q", chunk) },
		OnFinished: func(rep *facts.Report) { reports <- rep },
	}, runner.WithDialer(dial))

	require.True(t, r.Start(context.Background()))
	<-r.Done()

	select {
	case rep := <-reports:
		return rep
	default:
		t.Fatal("device test ended without a report")
		return nil
	}
}

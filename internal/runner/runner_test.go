package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/devcheck/internal/connector"
	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/pkg/facts"
)

// fakeConn is a scriptable connector.Connector. Stream forwards every
// string received on chunks until the channel is closed.
type fakeConn struct {
	connector.Connector

	connectErr error
	streamErr  error
	chunks     chan string

	mu     sync.Mutex
	cmd    string
	closed int
}

func newFakeConn() *fakeConn {
	return &fakeConn{chunks: make(chan string)}
}

func (f *fakeConn) Connect(ctx context.Context) error {
	return f.connectErr
}

func (f *fakeConn) Stream(ctx context.Context, cmd string, w io.Writer) error {
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-f.chunks:
			if !ok {
				return f.streamErr
			}
			if _, err := w.Write([]byte(c)); err != nil {
				return err
			}
		}
	}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recorder collects handler notifications.
type recorder struct {
	mu        sync.Mutex
	connected chan struct{}
	output    []string
	reports   []*facts.Report
}

func newRecorder() *recorder {
	return &recorder{connected: make(chan struct{}, 8)}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnConnected: func() { r.connected <- struct{}{} },
		OnOutput: func(chunk string) {
			r.mu.Lock()
			r.output = append(r.output, chunk)
			r.mu.Unlock()
		},
		OnFinished: func(rep *facts.Report) {
			r.mu.Lock()
			r.reports = append(r.reports, rep)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) finished() []*facts.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*facts.Report(nil), r.reports...)
}

func waitConnected(t *testing.T, rec *recorder) {
	t.Helper()
	select {
	case <-rec.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to end")
	}
}

func waitOutput(t *testing.T, r *Runner, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Output() == want
	}, 5*time.Second, 10*time.Millisecond)
}

func testConfig() device.Config {
	return device.Config{Name: "n900", Host: "192.168.2.15", User: "developer"}
}

func dialer(conn *fakeConn) Option {
	return WithDialer(func(device.Config) connector.Connector { return conn })
}

func TestRunnerSuccess(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)

	conn.chunks <- "Linux "
	conn.chunks <- "5.4.0 x86_64\n"
	conn.chunks <- "libqt4-core 4.6.1\n"
	close(conn.chunks)
	waitDone(t, done)

	reports := rec.finished()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.True(t, rep.OK())
	assert.Equal(t, "5.4.0", rep.Kernel)
	assert.Equal(t, "x86_64", rep.Architecture)
	assert.Equal(t, []string{"libqt4-core 4.6.1"}, rep.Packages)
	assert.Equal(t, []string{"Linux ", "5.4.0 x86_64\n", "libqt4-core 4.6.1\n"}, rec.output)
	assert.Equal(t, facts.Command(), conn.cmd)

	assert.False(t, r.Active())
	assert.Equal(t, 1, conn.closeCount())
}

func TestRunnerChunkBoundaries(t *testing.T) {
	split := func(chunks ...string) *facts.Report {
		conn := newFakeConn()
		rec := newRecorder()
		r := New(testConfig(), rec.handler(), dialer(conn))
		require.True(t, r.Start(context.Background()))
		done := r.Done()
		waitConnected(t, rec)
		for _, c := range chunks {
			conn.chunks <- c
		}
		close(conn.chunks)
		waitDone(t, done)
		reports := rec.finished()
		require.Len(t, reports, 1)
		return reports[0]
	}

	whole := split("Linux 5.4.0 x86_64")
	parts := split("Linux ", "5.4.0 x86_64")
	assert.Equal(t, whole.String(), parts.String())
	assert.True(t, parts.OK())
}

func TestRunnerConnectError(t *testing.T) {
	conn := newFakeConn()
	conn.connectErr = errors.New("connection refused")
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	waitDone(t, r.Done())

	reports := rec.finished()
	require.Len(t, reports, 1)
	assert.Equal(t, facts.KindTransportError, reports[0].Kind)
	assert.Equal(t, "Device configuration test failed:\nconnection refused", reports[0].String())
	assert.Empty(t, rec.connected)
}

func TestRunnerStreamError(t *testing.T) {
	conn := newFakeConn()
	conn.streamErr = errors.New("connection reset by peer")
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)
	conn.chunks <- "Linux 5.4.0 x86_64\n"
	close(conn.chunks)
	waitDone(t, done)

	reports := rec.finished()
	require.Len(t, reports, 1)
	assert.Equal(t, facts.KindTransportError, reports[0].Kind, "transport error replaces the parsed report")
}

func TestRunnerUnexpectedOutput(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)
	conn.chunks <- "BusyBox v1.20\n"
	close(conn.chunks)
	waitDone(t, done)

	reports := rec.finished()
	require.Len(t, reports, 1)
	assert.Equal(t, facts.KindUnexpectedOutput, reports[0].Kind)
	assert.Equal(t, "BusyBox v1.20\n", reports[0].Raw)
}

func TestRunnerStartWhileActive(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	dials := 0
	r := New(testConfig(), rec.handler(), WithDialer(func(device.Config) connector.Connector {
		dials++
		return conn
	}))

	require.True(t, r.Start(context.Background()))
	waitConnected(t, rec)
	conn.chunks <- "Linux "
	waitOutput(t, r, "Linux ")

	before := r.Output()
	assert.False(t, r.Start(context.Background()), "second start must be ignored")
	assert.Equal(t, before, r.Output())
	assert.Equal(t, "Linux ", r.Output())
	assert.Equal(t, 1, dials)

	r.Stop()
}

func TestRunnerStop(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)
	conn.chunks <- "Linux 5.4.0"
	waitOutput(t, r, "Linux 5.4.0")

	r.Stop()
	waitDone(t, done)

	assert.False(t, r.Active())
	assert.Empty(t, r.Output())
	assert.Empty(t, rec.finished(), "stopped session must not report")
	assert.GreaterOrEqual(t, conn.closeCount(), 1)

	assert.NotPanics(t, r.Stop)
	assert.NotPanics(t, r.Stop)
}

func TestRunnerStopIdle(t *testing.T) {
	r := New(testConfig(), Handler{})
	assert.NotPanics(t, r.Stop)
	assert.False(t, r.Active())
	waitDone(t, r.Done())
}

func TestRunnerRestartAfterFinish(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)
	close(conn.chunks)
	waitDone(t, done)

	conn.chunks = make(chan string)
	require.True(t, r.Start(context.Background()))
	done = r.Done()
	waitConnected(t, rec)
	close(conn.chunks)
	waitDone(t, done)

	assert.Len(t, rec.finished(), 2)
}

func TestRunnerParentCanceled(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, r.Start(ctx))
	done := r.Done()
	waitConnected(t, rec)
	cancel()
	waitDone(t, done)

	reports := rec.finished()
	require.Len(t, reports, 1)
	assert.Equal(t, facts.KindTransportError, reports[0].Kind)
	assert.ErrorIs(t, reports[0].Err, context.Canceled)
}

func TestWithCommand(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn), WithCommand("uname -rsm"))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	waitConnected(t, rec)
	close(conn.chunks)
	waitDone(t, done)

	assert.Equal(t, "uname -rsm", conn.cmd)
	assert.Equal(t, "n900", r.Config().Name)
}

func TestRunnerStopWaitsForDelivery(t *testing.T) {
	conn := newFakeConn()
	entered := make(chan string, 4)
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		delivered []string
	)
	r := New(testConfig(), Handler{
		OnOutput: func(chunk string) {
			entered <- chunk
			<-release
			mu.Lock()
			delivered = append(delivered, chunk)
			mu.Unlock()
		},
	}, dialer(conn))

	require.True(t, r.Start(context.Background()))
	done := r.Done()
	conn.chunks <- "Linux "

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnOutput")
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while OnOutput was still running")
	case <-time.After(50 * time.Millisecond):
	}
	require.Eventually(t, func() bool { return !r.Active() }, 5*time.Second, 10*time.Millisecond,
		"session is detached before Stop waits")

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after OnOutput finished")
	}
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Linux "}, delivered)
	assert.Empty(t, entered, "no notification after Stop returned")
}

func TestRunnerOutputAfterStopDropped(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	r := New(testConfig(), rec.handler(), dialer(conn))

	require.True(t, r.Start(context.Background()))
	waitConnected(t, rec)

	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	require.NotNil(t, s)

	r.Stop()
	r.appendOutput(s, "late chunk")
	assert.False(t, r.notify(s, func() { t.Error("OnConnected after Stop") }))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.output)
}

// Package runner tests device configurations by running the diagnostic
// command over a transport session.
package runner

import (
	"context"
	"strings"
	"sync"

	"github.com/eugenetaranov/devcheck/internal/connector"
	"github.com/eugenetaranov/devcheck/internal/connector/ssh"
	"github.com/eugenetaranov/devcheck/internal/device"
	"github.com/eugenetaranov/devcheck/pkg/facts"
)

// Dialer creates the transport for a device configuration.
type Dialer func(cfg device.Config) connector.Connector

// SSHDialer connects to devices over SSH.
func SSHDialer(cfg device.Config) connector.Connector {
	return ssh.New(cfg)
}

// Handler receives test notifications. Any field may be nil. Callbacks run
// on the session goroutine; OnOutput calls arrive in stream order.
//
// Stop waits for a running OnConnected or OnOutput to return, so those two
// must not call Stop themselves. OnFinished may.
type Handler struct {
	// OnConnected fires once the transport is established.
	OnConnected func()

	// OnOutput fires for every chunk of command output.
	OnOutput func(chunk string)

	// OnFinished fires with the transport error or parsed report. The
	// session is already torn down, so the handler may start a new test.
	OnFinished func(r *facts.Report)
}

// Runner runs one device configuration test at a time.
type Runner struct {
	cfg     device.Config
	dial    Dialer
	handler Handler
	command string

	mu   sync.Mutex
	sess *session
}

// session is the state of one test invocation.
type session struct {
	cancel context.CancelFunc
	conn   connector.Connector
	output strings.Builder
	done   chan struct{}

	// deliver is held across the current-session check and the
	// OnConnected or OnOutput call that follows it.
	deliver sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithDialer sets the transport factory. The default is SSHDialer.
func WithDialer(d Dialer) Option {
	return func(r *Runner) {
		r.dial = d
	}
}

// WithCommand overrides the diagnostic command line.
func WithCommand(cmd string) Option {
	return func(r *Runner) {
		r.command = cmd
	}
}

// New creates a runner for the device configuration.
func New(cfg device.Config, h Handler, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		dial:    SSHDialer,
		handler: h,
		command: facts.Command(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Config returns the device configuration under test.
func (r *Runner) Config() device.Config {
	return r.cfg
}

// Start begins a test in the background. It does nothing and returns false
// if a test is already running.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		return false
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.sess = s

	go r.run(sctx, s)
	return true
}

// Stop tears down the running test and discards its output. Once Stop
// returns no notification from the stopped session is delivered. Calling
// Stop with no test running does nothing.
func (r *Runner) Stop() {
	r.mu.Lock()
	s := r.sess
	r.sess = nil
	var conn connector.Connector
	if s != nil {
		conn = s.conn
		s.output.Reset()
	}
	r.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	// Wait out a notification that passed the session check before the
	// detach above.
	s.deliver.Lock()
	s.deliver.Unlock()
}

// Active reports whether a test is running.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Output returns the output received so far by the running test.
func (r *Runner) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ""
	}
	return r.sess.output.String()
}

// Done returns a channel closed when the running test ends, either by
// finishing or by Stop. With no test running the channel is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return r.sess.done
}

func (r *Runner) run(ctx context.Context, s *session) {
	defer close(s.done)

	conn := r.dial(r.cfg)

	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	r.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		r.finish(s, facts.TransportError(err))
		return
	}

	if !r.notify(s, r.handler.OnConnected) {
		_ = conn.Close()
		return
	}

	err := conn.Stream(ctx, r.command, connector.WriterFunc(func(p []byte) (int, error) {
		r.appendOutput(s, string(p))
		return len(p), nil
	}))
	if err != nil {
		r.finish(s, facts.TransportError(err))
		return
	}

	r.mu.Lock()
	raw := s.output.String()
	r.mu.Unlock()

	r.finish(s, facts.Parse(raw))
}

// notify calls fn if s is still the current session and reports whether
// it was.
func (r *Runner) notify(s *session, fn func()) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if !r.current(s) {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

func (r *Runner) current(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess == s
}

func (r *Runner) appendOutput(s *session, chunk string) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		return
	}
	s.output.WriteString(chunk)
	r.mu.Unlock()

	if r.handler.OnOutput != nil {
		r.handler.OnOutput(chunk)
	}
}

// finish tears the session down and delivers the report, unless the
// session was stopped first.
func (r *Runner) finish(s *session, report *facts.Report) {
	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		return
	}
	r.sess = nil
	conn := s.conn
	s.output.Reset()
	r.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	if r.handler.OnFinished != nil {
		r.handler.OnFinished(report)
	}
}

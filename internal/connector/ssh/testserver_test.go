package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/devcheck/internal/device"
)

const (
	testUser     = "developer"
	testPassword = "rootme"

	// hangCommand never produces output or an exit status.
	hangCommand = "sleep infinity"
)

// testServer is an in-process SSH server answering exec requests from a
// table of canned responses and serving SFTP from the local filesystem.
type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *gossh.ServerConfig

	// responses maps a command line to the chunks written back. Each chunk
	// is sent as a separate channel write.
	responses map[string][]string

	// exitStatus is returned for every exec request.
	exitStatus atomic.Uint32

	mu    sync.Mutex
	conns []net.Conn

	wg sync.WaitGroup
}

func startTestServer(t *testing.T, responses map[string][]string) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &gossh.ServerConfig{
		PasswordCallback: func(c gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testServer{
		t:         t,
		listener:  listener,
		config:    config,
		responses: responses,
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.stop)
	return s
}

func (s *testServer) stop() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// deviceConfig returns a password-authenticated config pointing at the server.
func (s *testServer) deviceConfig() device.Config {
	addr := s.listener.Addr().(*net.TCPAddr)
	return device.Config{
		Name:     "test",
		Type:     device.Simulator,
		Auth:     device.AuthPassword,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Timeout:  5,
		User:     testUser,
		Password: testPassword,
	}
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *testServer) serveConn(conn net.Conn) {
	defer conn.Close()

	_, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(channel, requests)
		}()
	}
}

func (s *testServer) serveSession(channel gossh.Channel, requests <-chan *gossh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			cmd := parseString(req.Payload)
			_ = req.Reply(true, nil)
			if cmd == hangCommand {
				// Block until the client closes the session.
				_, _ = io.Copy(io.Discard, channel)
				return
			}
			for _, chunk := range s.responses[cmd] {
				_, _ = channel.Write([]byte(chunk))
			}
			status := make([]byte, 4)
			binary.BigEndian.PutUint32(status, s.exitStatus.Load())
			_, _ = channel.SendRequest("exit-status", false, status)
			return

		case "subsystem":
			if parseString(req.Payload) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			_ = req.Reply(false, nil)
		}
	}
}

// parseString decodes an SSH wire string (uint32 length followed by bytes).
func parseString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

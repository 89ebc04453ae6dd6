//go:build !windows

// Package sshtest runs an in-process SSH server that executes commands with
// the local bash and serves SFTP, for exercising remote code paths in tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

type Server struct {
	Addr         string
	HostKey      xssh.Signer
	ClientSigner xssh.Signer

	listener net.Listener
	config   *xssh.ServerConfig
	wg       sync.WaitGroup

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
}

func newSigner(t testing.TB) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// Start listens on a loopback port; the server is closed with the test.
func Start(t testing.TB) *Server {
	t.Helper()
	s := &Server{HostKey: newSigner(t), ClientSigner: newSigner(t)}
	allowed := string(s.ClientSigner.PublicKey().Marshal())
	s.config = &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if string(key.Marshal()) == allowed {
				return &xssh.Permissions{}, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	s.config.AddHostKey(s.HostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Commands returns every exec request received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) acceptLoop() {
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
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	sconn, chans, reqs, err := xssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.serveSession(ch, requests)
	}
}

func (s *Server) serveSession(ch xssh.Channel, requests <-chan *xssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	var (
		mu  sync.Mutex
		cmd *exec.Cmd
	)
	killGroup := func(sig syscall.Signal) {
		mu.Lock()
		defer mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, sig)
		}
	}
	finished := make(chan struct{})

	for {
		select {
		case <-finished:
			return
		case req, ok := <-requests:
			if !ok {
				killGroup(syscall.SIGKILL)
				return
			}
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()
				c := exec.Command("bash", "-c", payload.Command)
				c.Stdout = ch
				c.Stderr = ch.Stderr()
				c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
				if err := c.Start(); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				mu.Lock()
				cmd = c
				mu.Unlock()
				_ = req.Reply(true, nil)
				go func() {
					status := 0
					if err := c.Wait(); err != nil {
						var exitErr *exec.ExitError
						if errors.As(err, &exitErr) {
							status = exitErr.ExitCode()
							if status < 0 {
								status = 128 + int(syscall.SIGTERM)
							}
						} else {
							status = 255
						}
					}
					_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{uint32(status)}))
					close(finished)
				}()
			case "subsystem":
				var payload struct{ Name string }
				if err := xssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				_ = srv.Serve()
				return
			case "signal":
				killGroup(syscall.SIGTERM)
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
			case "pty-req", "env":
				_ = req.Reply(true, nil)
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}
}

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
	RequestPTY bool
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Client) dialer() Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return &net.Dialer{Timeout: c.Timeout}
}

// Dial establishes an SSH connection, retrying with linear backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := c.dialer().DialContext(ctx, "tcp", c.Addr)
		if err == nil {
			sconn, chans, reqs, herr := xssh.NewClientConn(conn, c.Addr, cfg)
			if herr == nil {
				return xssh.NewClient(sconn, chans, reqs), nil
			}
			_ = conn.Close()
			err = herr
		}
		lastErr = fmt.Errorf("dial %s: %w", c.Addr, err)
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

// lockedWriter serializes the session's stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// RunSession executes command on cli, streaming combined output to out.
// A nonzero remote exit is returned as *xssh.ExitError. When ctx ends the
// remote side gets SIGTERM and the connection is torn down.
func RunSession(ctx context.Context, cli *xssh.Client, command string, out io.Writer, pty bool) error {
	session, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	w := &lockedWriter{w: out}
	session.Stdout = w
	session.Stderr = w
	if pty {
		modes := xssh.TerminalModes{xssh.ECHO: 0}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			return fmt.Errorf("request pty: %w", err)
		}
	}
	if err := session.Start(command); err != nil {
		return fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGTERM)
		_ = session.Close()
		_ = cli.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// execute dials, runs one command and closes the connection.
func (c *Client) execute(ctx context.Context, command string, out io.Writer) error {
	cli, err := Dial(ctx, c)
	if err != nil {
		return err
	}
	defer cli.Close()
	return RunSession(ctx, cli, command, out, c.RequestPTY)
}

//go:build !windows

package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/flow-pin3d/runexp/internal/ssh/sshtest"
)

func testClient(srv *sshtest.Server) *Client {
	return &Client{
		Addr:       srv.Addr,
		User:       "tester",
		Signer:     srv.ClientSigner,
		KnownHosts: xssh.FixedHostKey(srv.HostKey.PublicKey()),
		Timeout:    5 * time.Second,
	}
}

func TestExecStreamsCombinedOutput(t *testing.T) {
	srv := sshtest.Start(t)
	var out bytes.Buffer
	err := testClient(srv).execute(context.Background(), "echo hello; echo oops >&2", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
}

func TestExecReportsExitStatus(t *testing.T) {
	srv := sshtest.Start(t)
	var out bytes.Buffer
	err := testClient(srv).execute(context.Background(), "exit 4", &out)
	var exitErr *xssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitStatus())
}

func TestExecCancelStopsRemoteCommand(t *testing.T) {
	srv := sshtest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := testClient(srv).execute(ctx, "sleep 30", &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDialRejectsUnexpectedHostKey(t *testing.T) {
	srv := sshtest.Start(t)
	other := sshtest.Start(t)
	c := testClient(srv)
	c.KnownHosts = xssh.FixedHostKey(other.HostKey.PublicKey())

	_, err := Dial(context.Background(), c)
	require.Error(t, err)
}

func TestDialRequiresSignerAndHostKeyCallback(t *testing.T) {
	_, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	_, err = Dial(context.Background(), &Client{Addr: "127.0.0.1:1", Signer: sshtest.Start(t).ClientSigner})
	require.Error(t, err)
}

func TestKnownHostsFileAcceptsListedHost(t *testing.T) {
	srv := sshtest.Start(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.Addr)}, srv.HostKey.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	cb, err := LoadKnownHostsCallback(path)
	require.NoError(t, err)
	c := testClient(srv)
	c.KnownHosts = cb
	cli, err := Dial(context.Background(), c)
	require.NoError(t, err)
	_ = cli.Close()
}

func TestLoadKnownHostsMissingFile(t *testing.T) {
	_, err := LoadKnownHostsCallback(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestRemoteFileExists(t *testing.T) {
	srv := sshtest.Start(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "eval.sh")
	require.NoError(t, os.WriteFile(present, []byte("true\n"), 0o644))

	cli, err := Dial(context.Background(), testClient(srv))
	require.NoError(t, err)
	defer cli.Close()

	ok, err := RemoteFileExists(context.Background(), cli, present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RemoteFileExists(context.Background(), cli, filepath.Join(dir, "missing.sh"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadFirstSigner(t *testing.T) {
	dir := t.TempDir()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := xssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	signer, err := LoadFirstSigner([]string{filepath.Join(dir, "id_missing"), keyPath})
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	_, err = LoadFirstSigner([]string{filepath.Join(dir, "nope")})
	require.Error(t, err)
}

func TestDefaultPaths(t *testing.T) {
	files := DefaultIdentityFiles("/home/u")
	assert.Equal(t, "/home/u/.ssh/id_ed25519", files[0])
	assert.Equal(t, "/home/u/.ssh/known_hosts", DefaultKnownHostsFile("/home/u"))
}

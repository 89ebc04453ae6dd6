package ssh

import (
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultKnownHostsFile is ~/.ssh/known_hosts.
func DefaultKnownHostsFile(home string) string {
	return filepath.Join(home, ".ssh", "known_hosts")
}

// LoadKnownHostsCallback returns a strict host key callback using the given file.
// A missing file is an error: accepting unknown hosts silently is never done.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}

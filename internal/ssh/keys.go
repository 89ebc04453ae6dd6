package ssh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	// Passphrase-protected keys are not supported.
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privateKeyPath, err)
	}
	return signer, nil
}

// DefaultIdentityFiles lists the identity files ssh(1) tries by default.
func DefaultIdentityFiles(home string) []string {
	dir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(dir, "id_ed25519"),
		filepath.Join(dir, "id_ecdsa"),
		filepath.Join(dir, "id_rsa"),
	}
}

// LoadFirstSigner returns the signer for the first readable key in paths.
func LoadFirstSigner(paths []string) (xssh.Signer, error) {
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		signer, err := LoadPrivateKeySigner(p)
		if err == nil {
			return signer, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no private key found in %v", paths)
	}
	return nil, errors.Join(errs...)
}

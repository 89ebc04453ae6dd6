package ssh

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// RemoteFileExists reports whether remotePath is a regular file on the host.
func RemoteFileExists(ctx context.Context, client *xssh.Client, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return false, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	info, err := sf.Stat(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat remote %s: %w", remotePath, err)
	}
	return info.Mode().IsRegular(), nil
}

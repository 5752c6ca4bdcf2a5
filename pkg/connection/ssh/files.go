package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/opsrig/opsrig/pkg/connection"
)

// sftpSession opens a fresh SFTP subsystem over the SSH session. Sessions
// are short-lived: opened per operation, closed on return.
func (c *Client) sftpSession(ctx context.Context) (*sftp.Client, error) {
	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &connection.TransportError{
			Op: "sftp", Host: c.config.Host,
			Err: fmt.Errorf("failed to open sftp subsystem: %w", err), IsTemporary: true,
		}
	}
	return sc, nil
}

// Stat inspects a remote path. A missing path reports Exists=false rather
// than an error.
func (c *Client) Stat(ctx context.Context, path string) (*connection.FileInfo, error) {
	sc, err := c.sftpSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	fi, err := sc.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &connection.FileInfo{Exists: false}, nil
		}
		return nil, &connection.TransportError{Op: "stat", Host: c.config.Host, Err: err}
	}

	info := &connection.FileInfo{
		Exists: true,
		IsDir:  fi.IsDir(),
		IsFile: fi.Mode().IsRegular(),
		Mode:   uint32(fi.Mode().Perm()),
		Size:   fi.Size(),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info.UID = int(st.UID)
		info.GID = int(st.GID)
	}
	if info.IsFile {
		sum, err := c.remoteChecksum(sc, path)
		if err != nil {
			return nil, err
		}
		info.Checksum = sum
	}
	return info, nil
}

// Get copies a remote file to a local path.
func (c *Client) Get(ctx context.Context, remote, local string) error {
	sc, err := c.sftpSession(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	log.Debug().Str("host", c.config.Host).Str("remote", remote).Str("local", local).Msg("downloading file")

	src, err := sc.Open(remote)
	if err != nil {
		return &connection.TransportError{Op: "get", Host: c.config.Host, Err: err}
	}
	defer src.Close()

	dst, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &connection.TransportError{Op: "get", Host: c.config.Host, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &connection.TransportError{Op: "get", Host: c.config.Host, Err: err, IsTemporary: true}
	}
	return dst.Close()
}

// Put copies a local file to a remote path, preserving the local mode bits.
func (c *Client) Put(ctx context.Context, local, remote string) error {
	sc, err := c.sftpSession(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	log.Debug().Str("host", c.config.Host).Str("local", local).Str("remote", remote).Msg("uploading file")

	src, err := os.Open(local)
	if err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err}
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err}
	}

	dst, err := sc.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err, IsTemporary: true}
	}
	if err := dst.Close(); err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err}
	}
	if err := sc.Chmod(remote, fi.Mode().Perm()); err != nil {
		return &connection.TransportError{Op: "put", Host: c.config.Host, Err: err}
	}
	return nil
}

// remoteChecksum computes the SHA256 of a remote file through the open sftp
// session.
func (c *Client) remoteChecksum(sc *sftp.Client, path string) (string, error) {
	f, err := sc.Open(path)
	if err != nil {
		return "", &connection.TransportError{Op: "checksum", Host: c.config.Host, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &connection.TransportError{Op: "checksum", Host: c.config.Host, Err: err, IsTemporary: true}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

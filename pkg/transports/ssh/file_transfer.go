package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/openfroyo/hostplay/pkg/transports"
)

// WriteFile uploads data to a temporary file next to path and renames it into
// place over SFTP.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	startTime := time.Now()

	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &transports.TransportError{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmpPath := path.Join(path.Dir(remotePath), fmt.Sprintf(".%s.%d.tmp", path.Base(remotePath), startTime.UnixNano()))
	remoteFile, err := client.Create(tmpPath)
	if err != nil {
		return &transports.TransportError{
			Op:          "write",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = client.Chmod(tmpPath, mode)
	}
	if err == nil {
		err = client.PosixRename(tmpPath, remotePath)
	}
	if err != nil {
		_ = client.Remove(tmpPath)
		return &transports.TransportError{Op: "write", Err: fmt.Errorf("failed to write %s: %w", remotePath, err)}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file written")
	return nil
}

// ReadFile downloads the contents of a remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return nil, &transports.TransportError{Op: "read", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, remoteFile); err != nil {
		return nil, &transports.TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

// Stat describes a remote path.
func (c *Client) Stat(ctx context.Context, remotePath string) (transports.FileInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return transports.FileInfo{}, false, &transports.TransportError{Op: "stat", Err: err}
	}

	client, err := c.sftpClient()
	if err != nil {
		return transports.FileInfo{}, false, err
	}

	fi, err := client.Stat(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return transports.FileInfo{}, false, nil
	}
	if err != nil {
		return transports.FileInfo{}, false, &transports.TransportError{Op: "stat", Err: err}
	}
	return transports.FileInfo{
		Size:    fi.Size(),
		Mode:    fi.Mode().Perm(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, true, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

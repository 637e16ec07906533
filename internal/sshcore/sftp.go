package sshcore

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// Entry describes one SFTP directory entry or stat result, mirroring the
// subset of metadata the Transfer Queue needs for progress and
// integrity decisions.
type Entry struct {
	Name        string
	Path        string
	Size        int64
	IsDir       bool
	Modified    time.Time
	Permissions fs.FileMode
}

// SFTPClient wraps github.com/pkg/sftp.Client with the error-wrapping
// conventions used throughout sshcore.
type SFTPClient struct {
	inner *sftp.Client
}

// OpenSFTP opens the "sftp" subsystem on the final hop of the chain and
// returns a client wrapping it.
func (s *Session) OpenSFTP() (*SFTPClient, error) {
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: open sftp subsystem: %w", apperr.ErrSSHTransport, err)
	}
	return &SFTPClient{inner: c}, nil
}

// Close terminates the SFTP subsystem channel.
func (c *SFTPClient) Close() error {
	return c.inner.Close()
}

// joinSFTPPath joins a directory and a child name without ever
// producing a double slash, matching the no-double-slash rule the
// original client observed when building full paths from ReadDir.
func joinSFTPPath(base, name string) string {
	if strings.HasSuffix(base, "/") {
		return base + name
	}
	return base + "/" + name
}

// ReadDir lists one remote directory.
func (c *SFTPClient) ReadDir(dir string) ([]Entry, error) {
	infos, err := c.inner.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: read dir %s: %w", apperr.ErrIO, dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:        fi.Name(),
			Path:        joinSFTPPath(dir, fi.Name()),
			Size:        fi.Size(),
			IsDir:       fi.IsDir(),
			Modified:    fi.ModTime(),
			Permissions: fi.Mode(),
		})
	}
	return entries, nil
}

// Stat returns metadata for one remote path.
func (c *SFTPClient) Stat(path string) (Entry, error) {
	fi, err := c.inner.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("sshcore: %w: stat %s: %w", apperr.ErrIO, path, err)
	}
	return Entry{
		Name:        fi.Name(),
		Path:        path,
		Size:        fi.Size(),
		IsDir:       fi.IsDir(),
		Modified:    fi.ModTime(),
		Permissions: fi.Mode(),
	}, nil
}

// OpenRead opens a remote file for sequential reading.
func (c *SFTPClient) OpenRead(path string) (io.ReadCloser, error) {
	f, err := c.inner.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: open %s for read: %w", apperr.ErrIO, path, err)
	}
	return f, nil
}

// OpenWrite opens (creating if necessary) a remote file for writing.
// When truncate is false and the file exists, its contents are kept and
// writes start at the beginning — callers that want append semantics
// should Seek first.
func (c *SFTPClient) OpenWrite(path string, truncate bool) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := c.inner.OpenFile(path, flags)
	if err != nil {
		return nil, fmt.Errorf("sshcore: %w: open %s for write: %w", apperr.ErrIO, path, err)
	}
	return f, nil
}

// MkdirAll creates a remote directory and any missing parents,
// tolerating components that already exist.
func (c *SFTPClient) MkdirAll(path string) error {
	if err := c.inner.MkdirAll(path); err != nil {
		return fmt.Errorf("sshcore: %w: mkdir -p %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

// Remove deletes a remote file.
func (c *SFTPClient) Remove(path string) error {
	if err := c.inner.Remove(path); err != nil {
		return fmt.Errorf("sshcore: %w: remove %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

// RemoveDir deletes a remote (empty) directory.
func (c *SFTPClient) RemoveDir(path string) error {
	if err := c.inner.RemoveDirectory(path); err != nil {
		return fmt.Errorf("sshcore: %w: rmdir %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

// Rename moves/renames a remote path.
func (c *SFTPClient) Rename(from, to string) error {
	if err := c.inner.Rename(from, to); err != nil {
		return fmt.Errorf("sshcore: %w: rename %s -> %s: %w", apperr.ErrIO, from, to, err)
	}
	return nil
}

// Chmod sets permission bits on a remote path.
func (c *SFTPClient) Chmod(path string, mode fs.FileMode) error {
	if err := c.inner.Chmod(path, mode); err != nil {
		return fmt.Errorf("sshcore: %w: chmod %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

// Chtimes sets access/modification times on a remote path, used to
// honor preserve_times during a transfer.
func (c *SFTPClient) Chtimes(path string, atime, mtime time.Time) error {
	if err := c.inner.Chtimes(path, atime, mtime); err != nil {
		return fmt.Errorf("sshcore: %w: chtimes %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

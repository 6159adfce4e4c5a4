// Package transfer pushes the PHOENIX tree to a remote host over SFTP.
// Files whose size and modification time already match the remote copy
// are skipped, so repeated pushes only move new data.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/moolen/lochness/internal/logging"
)

// Remote is the subset of remote filesystem operations a push needs. The
// production implementation wraps an SFTP session; tests substitute a
// local-directory fake.
type Remote interface {
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string) error
	Create(path string) (io.WriteCloser, error)
	Chtimes(path string, atime, mtime time.Time) error
}

// Stats summarizes one push.
type Stats struct {
	// Files and Bytes count what was actually uploaded
	Files int
	Bytes int64

	// Skipped counts files already present on the remote
	Skipped int
}

// Pusher uploads a local tree to a Remote.
type Pusher struct {
	remote Remote
	logger *logging.Logger
}

// NewPusher creates a Pusher over an open remote session.
func NewPusher(remote Remote) (*Pusher, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote must not be nil")
	}
	return &Pusher{
		remote: remote,
		logger: logging.GetLogger("transfer"),
	}, nil
}

// Push uploads everything under localRoot into remoteRoot, preserving
// the relative layout. Hidden files are skipped: the atomic save path
// uses dot-prefixed temp names and those must never travel.
func (p *Pusher) Push(ctx context.Context, localRoot, remoteRoot string) (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(localRoot, func(localPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && localPath != localRoot {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(localRoot, localPath)
		if err != nil {
			return err
		}
		remotePath := RemotePath(remoteRoot, rel)

		if remoteInfo, err := p.remote.Stat(remotePath); err == nil {
			if ShouldSkip(info, remoteInfo) {
				stats.Skipped++
				return nil
			}
		}

		n, err := p.upload(localPath, remotePath, info)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", rel, err)
		}

		stats.Files++
		stats.Bytes += n
		p.logger.DebugWithFields("uploaded",
			logging.Field("file", rel),
			logging.Field("bytes", n))
		return nil
	})

	return stats, err
}

func (p *Pusher) upload(localPath, remotePath string, info os.FileInfo) (int64, error) {
	if err := p.remote.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := p.remote.Create(remotePath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}

	// mirror the local mtime so the skip check holds on the next push
	if err := p.remote.Chtimes(remotePath, time.Now(), info.ModTime()); err != nil {
		return n, err
	}
	return n, nil
}

// RemotePath maps a local relative path onto the remote root using
// forward slashes.
func RemotePath(remoteRoot, rel string) string {
	return path.Join(remoteRoot, filepath.ToSlash(rel))
}

// ShouldSkip reports whether the remote copy is already current: same
// size, and a modification time no older than the local file. SFTP
// mtimes have second precision, so the comparison truncates.
func ShouldSkip(local, remote os.FileInfo) bool {
	if local.Size() != remote.Size() {
		return false
	}
	return !remote.ModTime().Truncate(time.Second).Before(local.ModTime().Truncate(time.Second))
}

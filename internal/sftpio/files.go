// Package sftpio routes file operations onto a session's SFTP subsystem.
//
// The subsystem is opened lazily on first use and reused after; operations
// against one session are serialized so requests cannot interleave on the
// shared handle. Remote paths are composed by pure string manipulation —
// nothing is resolved against the local filesystem.
package sftpio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/pkg/sftp"

	"github.com/yangjarod117/webssh/internal/sshsession"
)

// ErrSFTPNotReady means the SFTP subsystem could not be initialized on the
// session. It is distinct from sshsession.ErrSessionNotFound so the surface
// can map the two to different HTTP codes.
var ErrSFTPNotReady = errors.New("sftp not initialized")

// EntryType classifies a directory entry.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
	TypeSymlink   EntryType = "symlink"
)

// Entry is one remote directory entry.
type Entry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Type         EntryType `json:"type"`
	Size         int64     `json:"size"`
	ModifiedTime int64     `json:"modifiedTime"` // milliseconds since epoch
}

// Router performs SFTP operations against sessions in the registry.
type Router struct {
	registry *sshsession.Registry
}

// NewRouter creates a Router over the given registry.
func NewRouter(registry *sshsession.Registry) *Router {
	return &Router{registry: registry}
}

// acquire resolves the session and its SFTP client, locking the session's
// SFTP mutex. The caller must invoke the returned release func.
func (rt *Router) acquire(sessionID string) (*sftp.Client, func(), error) {
	s, ok := rt.registry.Get(sessionID)
	if !ok {
		return nil, nil, sshsession.ErrSessionNotFound
	}
	client, err := s.EnsureSFTP()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSFTPNotReady, err)
	}
	mu := s.SFTPMu()
	mu.Lock()
	return client, mu.Unlock, nil
}

// List returns the entries of a remote directory in server-reported order.
func (rt *Router) List(sessionID, dirPath string) ([]Entry, error) {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	infos, err := client.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:         fi.Name(),
			Path:         path.Join(dirPath, fi.Name()),
			Type:         classify(fi),
			Size:         fi.Size(),
			ModifiedTime: fi.ModTime().UnixMilli(),
		})
	}
	return entries, nil
}

func classify(fi os.FileInfo) EntryType {
	mode := fi.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsDir():
		return TypeDirectory
	default:
		return TypeFile
	}
}

// Read returns the full contents of a remote file.
func (rt *Router) Read(sessionID, filePath string) ([]byte, error) {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	f, err := client.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	return data, nil
}

// Write replaces the contents of a remote file, creating it if needed.
func (rt *Router) Write(sessionID, filePath string, data []byte) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	f, err := client.Create(filePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	return nil
}

// CreateFile creates an empty remote file.
func (rt *Router) CreateFile(sessionID, filePath string) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	f, err := client.Create(filePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	return f.Close()
}

// CreateDirectory creates a remote directory, including missing parents.
func (rt *Router) CreateDirectory(sessionID, dirPath string) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := client.MkdirAll(dirPath); err != nil {
		return fmt.Errorf("mkdir %s: %w", dirPath, err)
	}
	return nil
}

// Stat returns the entry metadata for a remote path.
func (rt *Router) Stat(sessionID, p string) (Entry, error) {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return Entry{}, err
	}
	defer release()

	fi, err := client.Lstat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return Entry{
		Name:         path.Base(p),
		Path:         p,
		Type:         classify(fi),
		Size:         fi.Size(),
		ModifiedTime: fi.ModTime().UnixMilli(),
	}, nil
}

// Exists reports whether a remote path exists.
func (rt *Router) Exists(sessionID, p string) (bool, error) {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return false, err
	}
	defer release()

	if _, err := client.Lstat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// Rename moves a remote path.
func (rt *Router) Rename(sessionID, oldPath, newPath string) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// DeleteFile removes a remote file.
func (rt *Router) DeleteFile(sessionID, filePath string) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Remove(filePath); err != nil {
		return fmt.Errorf("delete %s: %w", filePath, err)
	}
	return nil
}

// DeleteDirectory removes a remote directory and everything beneath it.
func (rt *Router) DeleteDirectory(sessionID, dirPath string) error {
	client, release, err := rt.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	return removeAll(client, dirPath)
}

// removeAll deletes a directory tree depth-first. Symlinks are removed,
// never followed.
func removeAll(client *sftp.Client, dirPath string) error {
	infos, err := client.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("list %s: %w", dirPath, err)
	}

	// Directories last within each level keeps the ordering stable for
	// servers that report entries unsorted.
	sort.Slice(infos, func(i, j int) bool { return !infos[i].IsDir() && infos[j].IsDir() })

	for _, fi := range infos {
		child := path.Join(dirPath, fi.Name())
		if fi.IsDir() && fi.Mode()&os.ModeSymlink == 0 {
			if err := removeAll(client, child); err != nil {
				return err
			}
			continue
		}
		if err := client.Remove(child); err != nil {
			return fmt.Errorf("delete %s: %w", child, err)
		}
	}

	if err := client.RemoveDirectory(dirPath); err != nil {
		return fmt.Errorf("delete %s: %w", dirPath, err)
	}
	return nil
}

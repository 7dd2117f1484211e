// Package fsys is the filesystem collaborator of the offline cache: it answers
// existence and size questions, writes and removes files and reports device
// space.
package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sonicvault/sonicvault-go/internal/security"
)

// Space describes a storage volume.
type Space struct {
	Total uint64
	Free  uint64
}

// FileSystem is what the cache store and storage manager need from the device.
// Relative names are resolved against DocumentDir.
type FileSystem interface {
	Exists(name string) bool
	Stat(name string) (int64, error)
	WriteFile(name string, data []byte) error
	Unlink(name string) error
	FreeSpace() (Space, error)
	DocumentDir() string
	Path(name string) string
}

// OS is a FileSystem rooted at a document directory on the local disk.
type OS struct {
	root string
}

// NewOS creates the document directory when needed.
func NewOS(documentDir string) (*OS, error) {
	if documentDir == "" {
		return nil, fmt.Errorf("document directory cannot be empty")
	}
	abs, err := filepath.Abs(documentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	return &OS{root: abs}, nil
}

// DocumentDir returns the absolute root for cached files.
func (o *OS) DocumentDir() string {
	return o.root
}

// Path resolves name against the document directory. Absolute names are kept.
func (o *OS) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.root, name)
}

func (o *OS) Exists(name string) bool {
	_, err := os.Stat(o.Path(name))
	return err == nil
}

func (o *OS) Stat(name string) (int64, error) {
	info, err := os.Stat(o.Path(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteFile stores data at name, creating parent directories. Relative names
// that climb out of the document directory are refused.
func (o *OS) WriteFile(name string, data []byte) error {
	path, err := o.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Unlink removes name. A file that is already gone is not an error. Relative
// names that climb out of the document directory are refused.
func (o *OS) Unlink(name string) error {
	path, err := o.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (o *OS) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	return security.ValidateFilePath(o.root, name)
}

func (o *OS) FreeSpace() (Space, error) {
	return volumeSpace(o.root)
}

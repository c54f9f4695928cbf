package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrFileNotFound      = fmt.Errorf("filesystem: file not found")
	ErrFileAlreadyExists = fmt.Errorf("filesystem: file already exists")
	ErrInvalidPath       = fmt.Errorf("filesystem: invalid path")
)

// Filesystem serves files below a root directory. Every name is untrusted and
// resolved per call; nothing is cached between requests.
type Filesystem interface {
	// Resolve maps name onto a path inside root or fails with ErrInvalidPath.
	Resolve(root, name string) (string, error)

	// OpenFile opens a regular file and reports its size at the moment of opening.
	OpenFile(root, name string) (*os.File, int64, error)

	// CreateFile writes content to a file that must not exist yet.
	CreateFile(root, name string, content []byte) error

	CreateDirectory(path string) error
}

type localFileSystem struct {
}

func NewLocalFileSystem() Filesystem {
	return &localFileSystem{}
}

func (filesystem *localFileSystem) Resolve(root string, name string) (string, error) {
	if root == "" || name == "" || strings.ContainsRune(name, 0) {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", ErrInvalidPath
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", ErrInvalidPath
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, filepath.FromSlash(name))

	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return full, nil
}

func (filesystem *localFileSystem) OpenFile(root string, name string) (*os.File, int64, error) {
	path, err := filesystem.Resolve(root, name)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrFileNotFound
		}
		return nil, 0, err
	}

	info, err := file.Stat()
	if err != nil {
		closeFile(file)
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		closeFile(file)
		return nil, 0, ErrFileNotFound
	}

	return file, info.Size(), nil
}

func (filesystem *localFileSystem) CreateFile(root string, name string, content []byte) error {
	path, err := filesystem.Resolve(root, name)
	if err != nil {
		return err
	}

	if err := filesystem.CreateDirectory(filepath.Dir(path)); err != nil {
		return err
	}

	// O_EXCL makes the existence check and the create one step
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrFileAlreadyExists
		}
		return err
	}

	if _, err := file.Write(content); err != nil {
		closeFile(file)
		os.Remove(path)
		return err
	}

	if err := file.Close(); err != nil {
		os.Remove(path)
		return err
	}

	return nil
}

func (filesystem *localFileSystem) CreateDirectory(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return ErrInvalidPath
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	return os.MkdirAll(path, 0770)
}

func closeFile(file *os.File) {
	if closeErr := file.Close(); closeErr != nil {
		slog.Error("closing file error", "error", closeErr)
	}
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage resolves file references of the form "scheme:path" used by photo
// attributes. Only the disk scheme is supported today.
type Storage interface {
	Exists(ref string) (bool, error)
	Open(ref string) (*os.File, error)
}

// Disk serves references rooted at a base directory.
type Disk struct {
	root string
}

func NewDisk(root string) *Disk {
	return &Disk{root: root}
}

func (d *Disk) resolve(ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, ":")
	if !ok || scheme != "disk" {
		return "", fmt.Errorf("unsupported storage reference %q", ref)
	}

	clean := filepath.Clean("/" + path)
	return filepath.Join(d.root, clean), nil
}

// Exists reports whether the referenced file is present on disk.
func (d *Disk) Exists(ref string) (bool, error) {
	full, err := d.resolve(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Open opens the referenced file for reading.
func (d *Disk) Open(ref string) (*os.File, error) {
	full, err := d.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

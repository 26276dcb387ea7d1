package storage

import "io"

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage holds uploaded patient documents (exam PDFs, photos) outside the
// database. Paths are relative to the storage root and are expected to be
// namespaced by tenant id.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	Location() string
}

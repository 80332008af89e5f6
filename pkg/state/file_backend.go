package state

import (
	"context"
	"os"
	"path/filepath"

	"github.com/peterbourgon/diskv/v3"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

// FileBackend stores the document as a single file in a directory. Writes go
// through a temp file and rename, so a crash never leaves a torn document.
type FileBackend struct {
	dv  *diskv.Diskv
	key string
}

// NewFileBackend creates a file backend rooted at dir.
func NewFileBackend(dir, key string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state.path is required for the file backend")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create state directory").
			WithDetail("path", dir)
	}

	// Put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:  dir,
		TempDir:   filepath.Join(dir, ".tmp"),
		Transform: flatTransform,
		PathPerm:  0o700,
		FilePerm:  0o600,
	})

	return &FileBackend{dv: dv, key: key + ".json"}, nil
}

// Load implements Backend.
func (f *FileBackend) Load(_ context.Context) (*Document, error) {
	if !f.dv.Has(f.key) {
		return NewDocument(), nil
	}
	data, err := f.dv.Read(f.key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read state file").
			WithDetail("key", f.key)
	}
	return decodeDocument(data)
}

// Save implements Backend.
func (f *FileBackend) Save(_ context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := f.dv.Write(f.key, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write state file").
			WithDetail("key", f.key)
	}
	return nil
}

// Close implements Backend.
func (f *FileBackend) Close() error { return nil }

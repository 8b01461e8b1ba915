package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cmdforge/internal/safeio"
)

// DiskStore keeps blobs under a root directory as <ab>/<checksum>. Writes are
// atomic, so a crash leaves either the old state or the full blob.
type DiskStore struct {
	root *safeio.Root
}

func NewDiskStore(dir string) (*DiskStore, error) {
	root, err := safeio.NewRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("source dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) Put(_ context.Context, checksum string, content []byte) error {
	checksum, err := normalizeChecksum(checksum)
	if err != nil {
		return err
	}
	if err := checkContent(checksum, content); err != nil {
		return err
	}
	if _, err := s.root.ReadFile(objectKey(checksum)); err == nil {
		return nil
	}
	return s.root.WriteFile(objectKey(checksum), content, 0o600)
}

func (s *DiskStore) Get(_ context.Context, checksum string) ([]byte, error) {
	checksum, err := normalizeChecksum(checksum)
	if err != nil {
		return nil, err
	}
	raw, err := s.root.ReadFile(objectKey(checksum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *DiskStore) GetURL(context.Context, string) (string, error) {
	return "", nil
}

func (s *DiskStore) Dir() string { return s.root.Path() }

package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cmdforge/internal/types"
)

// Store persists artifact sources by content address (hex SHA-256). Writing
// the same content twice is a no-op; content under a key never changes.
type Store interface {
	Put(ctx context.Context, checksum string, content []byte) error
	Get(ctx context.Context, checksum string) ([]byte, error)
	GetURL(ctx context.Context, checksum string) (string, error)
}

var ErrNotFound = errors.New("source not found")

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func normalizeChecksum(checksum string) (string, error) {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	if checksum == "" {
		return "", fmt.Errorf("checksum is required")
	}
	if !checksumPattern.MatchString(checksum) {
		return "", fmt.Errorf("invalid checksum: %q", checksum)
	}
	return checksum, nil
}

// checkContent refuses to store content under someone else's address.
func checkContent(checksum string, content []byte) error {
	if got := types.Checksum(string(content)); got != checksum {
		return fmt.Errorf("content checksum %s does not match key %s", got[:12], checksum[:12])
	}
	return nil
}

// objectKey shards blobs by the first two hex digits.
func objectKey(checksum string) string {
	return checksum[:2] + "/" + checksum
}

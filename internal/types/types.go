package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Artifact -----------------------------------------------------------------------

// Artifact is an immutable candidate unit of code. It is never mutated after
// submission.
type Artifact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Language    string    `json:"language"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Checksum is the hex SHA-256 of the source text.
func (a Artifact) Checksum() string {
	return Checksum(a.Source)
}

func Checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

const maxNameLen = 40

// CommandName derives a logical command name from a description. An empty
// result falls back to "cmd-" plus the first 8 characters of the artifact id.
func CommandName(description, artifactID string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(description)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxNameLen {
		slug = strings.TrimRight(slug[:maxNameLen], "-")
	}
	if slug != "" {
		return slug
	}
	id := strings.ReplaceAll(artifactID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = "unnamed"
	}
	return "cmd-" + id
}

// NormalizeLanguage maps common aliases to the canonical language tags.
func NormalizeLanguage(tag string) string {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "python", "python3", "py":
		return "python"
	case "shell", "sh", "bash":
		return "shell"
	case "go", "golang":
		return "go"
	default:
		return strings.ToLower(strings.TrimSpace(tag))
	}
}

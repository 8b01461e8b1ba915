package config

import (
	"os"
	"strings"
)

// applyLocalDefaults points the source store at the docker-compose minio
// when APP_ENV=local and nothing else was configured.
func applyLocalDefaults(c *Config) {
	if c.Artifact.Endpoint != "" {
		return
	}
	c.Artifact = ArtifactConfig{
		Enabled:   true,
		Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT")), "minio:9000"),
		Region:    firstNonEmpty(c.Artifact.Region, "us-east-1"),
		AccessKey: firstNonEmpty(c.Artifact.AccessKey, "cmdforge"),
		SecretKey: firstNonEmpty(c.Artifact.SecretKey, "cmdforge123"),
		Bucket:    firstNonEmpty(c.Artifact.Bucket, "cmdforge-sources"),
		Prefix:    firstNonEmpty(c.Artifact.Prefix, "sources"),
		UseSSL:    false,
	}
	c.Sources.Driver = "s3"
}

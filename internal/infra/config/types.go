package config

import "strings"

// Environment identifies the runtime environment where the broker operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ReleasePolicy selects when buffer references held by queues are returned.
type ReleasePolicy string

const (
	// ReleaseOnCollect returns references when entries are garbage-collected.
	ReleaseOnCollect ReleasePolicy = "collect"
	// ReleaseOnAck leaves garbage-collected references to explicit ReleaseBuffer calls.
	ReleaseOnAck ReleasePolicy = "ack"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

/*
Package config provides configuration management for mucachefs, with
YAML-file and environment-variable sources and validation.

# Configuration Structure

  - Global: logging, service ports
  - Source: the source tree root and the FUSE mountpoint
  - Store: the embedded metadata database path and rebuild flag
  - Cache: the cache directory, byte budget, and retention factor
  - Prefetch: promotion threshold and sibling prefetch budget
  - PowerManager: the remote power-manager endpoint and resilience settings
  - ChangeFeed: the change-feed listen address and optional forward address
  - Network: shared retry/circuit-breaker settings for remote collaborators
  - Monitoring: Prometheus metrics and logging format

Environment variables (MUCACHEFS_*) override values loaded from the
YAML file; YAML values override compiled-in defaults from NewDefault.
*/
package config

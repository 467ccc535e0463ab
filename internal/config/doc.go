// Package config loads, normalizes, and validates encodeq configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ENCODEQ_WORKER_BINARY. The Config type carries the worker startup
// parameters that are re-applied identically on every respawn, so callers
// should derive SetUp requests from it rather than assembling them by hand.
package config

// Package config provides configuration loading, validation, and filesystem
// layout resolution for the front door.
//
// Configuration is loaded from a YAML file, merged with defaults, overridden
// by FRONTDOOR_* environment variables, and validated before any component
// starts. The package also owns the path resolver, which probes the execution
// environment (container vs host) and selects a base directory that is both
// readable and writable.
//
// # Loading Sequence
//
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
//
// # Usage
//
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//	if err != nil {
//	    return err
//	}
//	paths, err := config.ResolvePaths(&cfg.Paths)
package config

// Package config loads the llmlb configuration.
//
// Precedence: built-in defaults, then an optional YAML file, then LLMLB_*
// environment variables. Environment always wins so that container
// deployments can override a baked-in config file.
package config

// Package config loads and validates the daemon configuration from a
// YAML file via viper. The typed Config covers both roles: the sources
// a consumer pulls from and the keys and listen address a provider
// serves with.
package config

// Package config loads and validates the oltmon YAML configuration.
package config

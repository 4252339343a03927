// Package config provides configuration loading and validation for the Cumulus server.
// It handles YAML-based configuration with one section per component and converts
// the integer seconds and milliseconds it stores into durations.
package config

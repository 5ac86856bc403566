// Package config provides the embedded default configuration file.
package config

import _ "embed"

// DefaultConfigYAML is the annotated configuration written by
// "sahguard config init". It holds the same values as the built-in defaults.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte

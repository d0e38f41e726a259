// Package defaults provides embedded copies of the example
// configuration and action policy for the marill init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PolicyRego is the example action policy.
//
//go:embed policy.example.rego
var PolicyRego []byte

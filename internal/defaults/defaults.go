// Package defaults provides the embedded starter configuration written
// by the init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

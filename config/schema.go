//go:generate go run ../build/gen-config-schema.go schema.json

// Package config exposes the generated JSON schema for the github2gerrit
// configuration file.
package config

import (
	_ "embed"
)

//go:embed "schema.json"
var schema []byte

// Schema returns the embedded configuration schema document.
func Schema() []byte {
	return schema
}

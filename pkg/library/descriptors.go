package library

import (
	_ "embed"

	"github.com/openshelf/callgate/pkg/registry"
)

//go:embed ops.yaml
var opsTable []byte

// CallVersion is the protocol version date served by the registry.
const CallVersion = "2026-08-01"

// Descriptors parses the embedded operation table.
func Descriptors() ([]*registry.Descriptor, error) {
	return registry.ParseYAML(opsTable)
}

// Package registry holds the immutable operation descriptor table and
// serves the cacheable discovery document at /.well-known/ops.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openshelf/callgate/pkg/protocol"
)

var ErrOperationNotFound = errors.New("operation not found")

// ExecutionModel selects how the dispatcher runs a handler.
type ExecutionModel string

const (
	ExecSync   ExecutionModel = "sync"
	ExecAsync  ExecutionModel = "async"
	ExecStream ExecutionModel = "stream"
)

// Descriptor describes one operation. The table is immutable after
// process start; lookups are plain map reads.
type Descriptor struct {
	Op                  string         `yaml:"op" json:"op"`
	Summary             string         `yaml:"summary,omitempty" json:"summary,omitempty"`
	ArgsSchema          map[string]any `yaml:"argsSchema" json:"argsSchema"`
	ResultSchema        map[string]any `yaml:"resultSchema" json:"resultSchema"`
	SideEffecting       bool           `yaml:"sideEffecting" json:"sideEffecting"`
	IdempotencyRequired bool           `yaml:"idempotencyRequired" json:"idempotencyRequired"`
	ExecutionModel      ExecutionModel `yaml:"executionModel" json:"executionModel"`
	MaxSyncMs           int            `yaml:"maxSyncMs,omitempty" json:"maxSyncMs,omitempty"`
	TTLSeconds          int            `yaml:"ttlSeconds,omitempty" json:"ttlSeconds,omitempty"`
	AuthScopes          []string       `yaml:"authScopes" json:"authScopes"`
	CachingPolicy       string         `yaml:"cachingPolicy,omitempty" json:"cachingPolicy,omitempty"`
	Deprecated          bool           `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
	Sunset              string         `yaml:"sunset,omitempty" json:"sunset,omitempty"`
	Replacement         string         `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// SunsetTime parses the descriptor's sunset date. The second return is
// false when no sunset is set or the date does not parse.
func (d *Descriptor) SunsetTime() (time.Time, bool) {
	if d.Sunset == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", d.Sunset)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Removed reports whether the operation refuses dispatch: deprecated and
// past its sunset date. Deprecation without a passed sunset is
// informational only.
func (d *Descriptor) Removed(now time.Time) bool {
	if !d.Deprecated {
		return false
	}
	sunset, ok := d.SunsetTime()
	if !ok {
		return false
	}
	return now.After(sunset.Add(24 * time.Hour))
}

// document is the discovery artifact served at /.well-known/ops.
type document struct {
	CallVersion string        `json:"callVersion"`
	Operations  []*Descriptor `json:"operations"`
}

// Registry is the source of truth for operations. It serializes the
// discovery document once and caches an entity tag over its bytes.
type Registry struct {
	callVersion string
	byOp        map[string]*Descriptor
	ordered     []*Descriptor
	docBytes    []byte
	etag        string
}

// New builds a registry from a descriptor list. Descriptors are
// validated for well-formed op names and unique entries.
func New(callVersion string, descriptors []*Descriptor) (*Registry, error) {
	r := &Registry{
		callVersion: callVersion,
		byOp:        make(map[string]*Descriptor, len(descriptors)),
		ordered:     descriptors,
	}
	for _, d := range descriptors {
		if !protocol.ValidOpName(d.Op) {
			return nil, fmt.Errorf("registry: malformed op name %q", d.Op)
		}
		if _, dup := r.byOp[d.Op]; dup {
			return nil, fmt.Errorf("registry: duplicate op %q", d.Op)
		}
		switch d.ExecutionModel {
		case ExecSync, ExecAsync, ExecStream:
		default:
			return nil, fmt.Errorf("registry: op %q has unknown execution model %q", d.Op, d.ExecutionModel)
		}
		r.byOp[d.Op] = d
	}

	doc, err := json.Marshal(document{CallVersion: callVersion, Operations: descriptors})
	if err != nil {
		return nil, fmt.Errorf("registry: serialize discovery document: %w", err)
	}
	r.docBytes = doc
	sum := sha256.Sum256(doc)
	r.etag = fmt.Sprintf("%q", hex.EncodeToString(sum[:16]))
	return r, nil
}

// ParseYAML decodes a descriptor table from its YAML definition.
func ParseYAML(data []byte) ([]*Descriptor, error) {
	var table struct {
		Operations []*Descriptor `yaml:"operations"`
	}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("registry: parse descriptor table: %w", err)
	}
	if len(table.Operations) == 0 {
		return nil, errors.New("registry: descriptor table is empty")
	}
	return table.Operations, nil
}

// CallVersion returns the protocol version date string.
func (r *Registry) CallVersion() string { return r.callVersion }

// Lookup resolves an operation by exact, case-sensitive name.
func (r *Registry) Lookup(op string) (*Descriptor, error) {
	d, ok := r.byOp[op]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return d, nil
}

// List returns the descriptor table in declaration order.
func (r *Registry) List() []*Descriptor { return r.ordered }

// Document returns the serialized discovery document.
func (r *Registry) Document() []byte { return r.docBytes }

// ETag returns the entity tag computed over the document bytes.
func (r *Registry) ETag() string { return r.etag }

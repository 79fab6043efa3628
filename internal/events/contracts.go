package events

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	// ErrValidation can be used with errors.Is to detect a payload that breaks its contract.
	ErrValidation = errors.New("payload validation failed")
	// ErrUnknownEventType is returned for an event type with no contract.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Contracts holds one compiled JSON schema per event type.
type Contracts struct {
	schemas map[string]*jsonschema.Schema
}

// NewContracts compiles the embedded schema for every event type.
func NewContracts() (*Contracts, error) {
	schemas := make(map[string]*jsonschema.Schema, len(AllTypes))
	for _, t := range AllTypes {
		body, err := schemaFS.ReadFile("schemas/" + t + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", t, err)
		}
		s, err := jsonschema.CompileString("https://advert-market.dev/schemas/"+t, string(body))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", t, err)
		}
		schemas[t] = s
	}
	return &Contracts{schemas: schemas}, nil
}

// MustContracts is NewContracts for package-level wiring and tests.
func MustContracts() *Contracts {
	c, err := NewContracts()
	if err != nil {
		panic(err)
	}
	return c
}

// Validate rejects a payload that does not match its event type's schema.
func (c *Contracts) Validate(eventType string, payload json.RawMessage) error {
	schema, ok := c.schemas[eventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, eventType, err)
	}
	return nil
}

package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://opsdash.local/schemas/"

// builtinSchemas are the record shapes of the dashboard's known collections.
var builtinSchemas = map[string]string{
	"rooms": `{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"capacity": {"type": "integer", "minimum": 0},
			"floor": {"type": ["integer", "string"]}
		}
	}`,
	"clients": `{
		"type": "object",
		"required": ["id", "name"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string"},
			"phone": {"type": "string"}
		}
	}`,
	"bookings": `{
		"type": "object",
		"required": ["id", "roomId", "clientId"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"roomId": {"type": "string", "minLength": 1},
			"clientId": {"type": "string", "minLength": 1},
			"start": {"type": "string"},
			"end": {"type": "string"}
		}
	}`,
	"invoices": `{
		"type": "object",
		"required": ["id", "clientId", "amount"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"clientId": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "minimum": 0},
			"paid": {"type": "boolean"}
		}
	}`,
}

// ValidationError reports a record rejected for its collection.
type ValidationError struct {
	Collection string
	ID         string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s record: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("invalid %s record %q: %v", e.Collection, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Registry holds the compiled schema of each known collection.
// Collections without a schema accept any object with an id.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns a registry preloaded with the built-in schemas.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	for name, src := range builtinSchemas {
		if err := r.Register(name, src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schemaJSON and binds it to collection.
func (r *Registry) Register(collection, schemaJSON string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", collection, err)
	}
	url := schemaBaseURL + collection + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", collection, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", collection, err)
	}
	r.mu.Lock()
	r.schemas[collection] = sch
	r.mu.Unlock()
	return nil
}

// Names returns the collections with a registered schema, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks rec against the collection schema.
func (r *Registry) Validate(collection string, rec Record) error {
	id := rec.ID()
	if id == "" {
		return &ValidationError{Collection: collection, Err: ErrMissingID}
	}

	r.mu.RLock()
	sch := r.schemas[collection]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return &ValidationError{Collection: collection, ID: id, Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Collection: collection, ID: id, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Collection: collection, ID: id, Err: err}
	}
	return nil
}

// Filter returns the records of rs that validate, plus the errors of those
// that were dropped.
func (r *Registry) Filter(collection string, rs Records) (Records, []error) {
	out := make(Records, 0, len(rs))
	var errs []error
	for _, rec := range rs {
		if err := r.Validate(collection, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errs
}

// Package tools holds the startup-built tool registry and the dispatcher that
// routes a validated call either to an in-process handler or to the connected
// peer.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Locality says where a tool executes.
type Locality int

const (
	Local Locality = iota
	Remote
)

func (l Locality) String() string {
	if l == Remote {
		return "remote"
	}
	return "local"
}

func (l Locality) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

// Handler runs a local tool. args have already passed schema validation.
type Handler func(ctx context.Context, scope *Scope, args json.RawMessage) (any, error)

// Descriptor declares one tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Locality    Locality        `json:"locality"`
	Schema      json.RawMessage `json:"schema"`
	// Timeout overrides the dispatcher default for this tool when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	Handler Handler       `json:"-"`
}

var (
	ErrDuplicateTool  = errors.New("duplicate tool name")
	ErrMissingHandler = errors.New("local tool without handler")
	ErrInvalidSchema  = errors.New("invalid argument schema")
)

type entry struct {
	Descriptor
	schema *jsonschema.Schema
}

// Registry is the read-only name → descriptor table. It is safe for concurrent
// use once built.
type Registry struct {
	tools map[string]*entry
	names []string
}

// NewRegistry compiles every descriptor's schema and fails on duplicates,
// local tools without handlers, and schemas that do not compile.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry, len(descs))}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("tool with empty name: %w", ErrInvalidSchema)
		}
		if _, dup := r.tools[d.Name]; dup {
			return nil, fmt.Errorf("%s: %w", d.Name, ErrDuplicateTool)
		}
		if d.Locality == Local && d.Handler == nil {
			return nil, fmt.Errorf("%s: %w", d.Name, ErrMissingHandler)
		}
		schema, err := compileSchema(d.Name, d.Schema)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", d.Name, ErrInvalidSchema, err)
		}
		r.tools[d.Name] = &entry{Descriptor: d, schema: schema}
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Lookup returns the descriptor for name or an UnknownToolError.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, protocol.NewError(protocol.KindUnknownTool, name, "no tool named %q", name)
	}
	return e.Descriptor, nil
}

// Validate checks args against the tool's schema. Missing args validate as an
// empty object.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.tools[name]
	if !ok {
		return protocol.NewError(protocol.KindUnknownTool, name, "no tool named %q", name)
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &protocol.ToolError{Kind: protocol.KindValidation, Tool: name, Message: "arguments are not valid JSON", Cause: err}
	}
	if err := e.schema.Validate(inst); err != nil {
		return &protocol.ToolError{Kind: protocol.KindValidation, Tool: name, Message: flattenValidation(err), Cause: err}
	}
	return nil
}

// flattenValidation turns the multi-line jsonschema report into one line of
// "at '<pointer>': <reason>" items, dropping the schema URL header.
func flattenValidation(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var items []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "- ") {
			items = append(items, strings.TrimPrefix(l, "- "))
		}
	}
	if len(items) == 0 {
		return err.Error()
	}
	return strings.Join(items, "; ")
}

// Names returns every registered tool name in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// List returns every descriptor in name order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n].Descriptor)
	}
	return out
}

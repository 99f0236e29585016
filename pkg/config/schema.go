package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// configSchema closes every section of hostplay.yaml so misspelled keys are
// reported instead of silently ignored.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" | int

#Config: {
	inventory?: string
	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:        "console" | "json"
			output?:        string
			enable_caller?: bool
			time_format?:   "unix" | "unixms" | "rfc3339"
		}
		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			endpoint?:       string
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			headers?: {[string]: string}
			insecure?: bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           string
			namespace?:      string
			buckets?: [...number]
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >0
		}
	}
	ssh?: {
		default_user?:    string
		connect_timeout?: #Duration
		keep_alive?:      #Duration
	}
	run?: {
		always_grace?: #Duration
		env_file?:     string
	}
	policy?: {
		enabled?: bool
		mode?:    "advisory" | "enforcing"
		paths?: [...string]
		disabled?: [...string]
	}
	history?: {
		enabled?: bool
		path?:    string
	}
}
`

// SchemaRegistry validates decoded configuration documents against CUE
// definitions.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

var (
	defaultRegistry     *SchemaRegistry
	defaultRegistryOnce sync.Once
	defaultRegistryErr  error
)

// NewSchemaRegistry creates a registry holding the hostplay.yaml schema
// under the name "config".
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", configSchema, "#Config"); err != nil {
		return nil, err
	}
	return sr, nil
}

func registry() (*SchemaRegistry, error) {
	defaultRegistryOnce.Do(func() {
		defaultRegistry, defaultRegistryErr = NewSchemaRegistry()
	})
	return defaultRegistry, defaultRegistryErr
}

// RegisterSchema compiles schema and registers the definition at path
// under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, path, err)
	}

	sr.schemas[name] = def
	return nil
}

// ValidateAgainstSchema validates data against a named schema. All
// violations are joined into one error.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// Convert data to CUE value
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			msg := fmt.Sprintf(format, args...)
			if p := strings.Join(e.Path(), "."); p != "" {
				msg = p + ": " + msg
			}
			msgs = append(msgs, msg)
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	return nil
}

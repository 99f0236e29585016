package playbook

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// playbookSchema describes the raw YAML shape. Tasks are open because module
// names are keys; plays and handler keywords are closed.
const playbookSchema = `
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_]*$"

#StringList: string | [...string]

#Task: {
	name?:          string
	when?:          string | bool
	register?:      #Identifier
	ignore_errors?: bool
	notify?:        #StringList
	become?:        bool
	timeout?:       string | int
	args?: {...}
	block?: [...#Task]
	rescue?: [...#Task]
	always?: [...#Task]
	...
}

#Handler: {
	name:    string & !=""
	listen?: #StringList
	when?:   string | bool
	become?: bool
	...
}

#Play: {
	name:            string
	hosts:           string & !=""
	gather_facts?:   bool
	become?:         bool
	force_handlers?: bool
	vars?: {[string]: _}
	vars_files?: [...string]
	tasks?: [...#Task] | null
	handlers?: [...#Handler] | null
}

#Playbook: [...#Play]
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaCtx   *cue.Context
	schemaErr   error

	// schemaMu serializes use of schemaCtx, which is not safe for concurrent use.
	schemaMu sync.Mutex
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		val := schemaCtx.CompileString(playbookSchema)
		if err := val.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile playbook schema: %w", err)
			return
		}
		schemaValue = val.LookupPath(cue.ParsePath("#Playbook"))
	})
	return schemaCtx, schemaValue, schemaErr
}

// ValidateSchema checks the raw decoded document against the playbook
// schema and returns one issue per violation.
func ValidateSchema(raw interface{}) []Issue {
	ctx, schema, err := compiledSchema()
	if err != nil {
		return []Issue{{Severity: SeverityError, Message: err.Error()}}
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	data := ctx.Encode(raw)
	if err := data.Err(); err != nil {
		return []Issue{{Severity: SeverityError, Message: fmt.Sprintf("failed to encode playbook: %v", err)}}
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var issues []Issue
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     schemaPath(e.Path()),
				Message:  "schema: " + fmt.Sprintf(format, args...),
			})
		}
		return issues
	}
	return nil
}

// schemaPath turns a CUE path such as ["0", "tasks", "2", "register"] into
// "plays[0].tasks[2].register".
func schemaPath(parts []string) string {
	var b strings.Builder
	b.WriteString("plays")
	for _, p := range parts {
		if isIndex(p) {
			b.WriteString("[" + p + "]")
			continue
		}
		b.WriteString("." + p)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

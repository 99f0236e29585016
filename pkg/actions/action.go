// Package actions implements the modules a task can invoke: commands,
// packages, services, files, git checkouts, HTTP checks and mail.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/mailer"
	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// Action is a configured module ready to run against a host.
type Action interface {
	// Run applies the action. A returned error means the action could not
	// be carried out (bad transport, cancelled context); a failure of the
	// managed thing itself is reported through Result.Failed.
	Run(ctx context.Context, actx *Context) (*Result, error)
}

// Factory builds an action from already-rendered task arguments.
type Factory func(args map[string]interface{}) (Action, error)

// Context carries what an action needs to reach and describe its host.
type Context struct {
	// Transport reaches the target host.
	Transport transports.Transport

	// Check asks the action to report what it would change without
	// changing anything.
	Check bool

	// Become runs commands through sudo.
	Become bool

	// Host is the inventory name of the target.
	Host string

	// Vars is the host scope, used by template rendering.
	Vars playbook.Vars

	// BaseDir resolves relative src paths, normally the playbook directory.
	BaseDir string

	// Mailer delivers mail for the mail action.
	Mailer mailer.Sender

	Logger zerolog.Logger
}

// Result is the outcome of one action.
type Result struct {
	Changed bool
	Failed  bool
	// Skipped reports that the action chose not to run, e.g. in check mode.
	Skipped bool
	RC      int
	Stdout  string
	Stderr  string
	Msg     string

	// Data holds module specific fields exposed to register.
	Data map[string]interface{}

	// Facts are merged into the host scope.
	Facts map[string]interface{}
}

// Registry maps action names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Lookup returns the factory for name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the named action from args.
func (r *Registry) New(name string, args map[string]interface{}) (Action, error) {
	factory, ok := r.Lookup(name)
	if !ok {
		return nil, &UnknownActionError{Name: name}
	}
	action, err := factory(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return action, nil
}

// UnknownActionError is returned for unregistered action names.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// DefaultRegistry returns a registry with every built-in action.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("command", newCommand)
	r.Register("shell", newShell)
	r.Register("package", newPackage)
	r.Register("apt", newApt)
	r.Register("service", newService)
	r.Register("copy", newCopy)
	r.Register("template", newTemplate)
	r.Register("git", newGit)
	r.Register("uri", newURI)
	r.Register("mail", newMail)
	r.Register("debug", newDebug)
	r.Register("fail", newFail)
	r.Register("set_fact", newSetFact)
	r.Register("sudoers", newSudoers)
	r.Register("sshd_config", newSSHDConfig)
	return r
}

// decode maps task arguments onto a typed config. Unknown keys are errors;
// scalars are coerced so "true", "80" and single strings fit bool, int and
// list fields.
func decode(args map[string]interface{}, out interface{}) error {
	md, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return md.Decode(args)
}

// run executes a command line, honouring the become flag.
func run(ctx context.Context, actx *Context, command string) (*transports.ExecResult, error) {
	return actx.Transport.Exec(ctx, transports.ExecRequest{Command: command, Become: actx.Become})
}

// runChecked runs a command and turns a non-zero exit into an error.
func runChecked(ctx context.Context, actx *Context, command string) (*transports.ExecResult, error) {
	res, err := run(ctx, actx, command)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Command: command, Result: res}
	}
	return res, nil
}

// CommandError is a helper command that exited non-zero.
type CommandError struct {
	Command string
	Result  *transports.ExecResult
}

func (e *CommandError) Error() string {
	msg := e.Result.Stderr
	if msg == "" {
		msg = e.Result.Stdout
	}
	return fmt.Sprintf("%q exited with %d: %s", e.Command, e.Result.ExitCode, trimOutput(msg))
}

// failedFrom converts a helper command failure into a failed result.
func failedFrom(err error, msg string) (*Result, error) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return &Result{
			Failed: true,
			RC:     ce.Result.ExitCode,
			Stdout: ce.Result.Stdout,
			Stderr: ce.Result.Stderr,
			Msg:    fmt.Sprintf("%s: %s", msg, trimOutput(firstNonEmpty(ce.Result.Stderr, ce.Result.Stdout))),
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", msg, err)
}

func trimOutput(s string) string {
	const max = 512
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package dispatch maps wire commands onto a model's capability surface.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
)

// Model is the capability surface of a physical model. Implementations
// need not be safe for concurrent use; the owning session serializes
// every call.
type Model interface {
	Get(name string) (interface{}, error)
	Set(name string, value json.RawMessage) error
	GetArray(name string) (*protocol.Array, error)
	SetArray(name string, a *protocol.Array) error
	Do(action string) error
	Step(n int) error
	Commands() models.AvailableCommands
}

// Checkpointer is implemented by models that can roll back to the state
// recorded by their last Checkpoint.
type Checkpointer interface {
	Checkpoint() error
	Rollback() error
}

// Errors
var (
	ErrUnknownTarget = &Error{Message: "unknown target"}
	ErrReadOnly      = &Error{Message: "read-only parameter"}
	ErrBadPayload    = &Error{Message: "invalid payload"}
)

// Error represents a dispatch error
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// UnknownTarget reports a name the model does not recognise for kind.
func UnknownTarget(kind, name string) error {
	return fmt.Errorf("%w: %s %q", ErrUnknownTarget, kind, name)
}

// BadPayload reports a payload that failed validation.
func BadPayload(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadPayload, fmt.Sprintf(format, args...))
}

type action struct {
	doc string
	fn  func() error
}

type param struct {
	doc string
	fn  func() interface{}
}

type handler func(req models.Request) models.Response

// Table resolves (command, target) pairs. Session-level actions and
// parameters shadow the model's own names.
type Table struct {
	model    Model
	actions  map[string]action
	params   map[string]param
	handlers map[protocol.Command]handler
}

// NewTable creates a table dispatching to m.
func NewTable(m Model) *Table {
	t := &Table{
		model:   m,
		actions: make(map[string]action),
		params:  make(map[string]param),
	}
	t.handlers = map[protocol.Command]handler{
		protocol.CommandDo:       t.do,
		protocol.CommandGet:      t.get,
		protocol.CommandSet:      t.set,
		protocol.CommandGetArray: t.getArray,
		protocol.CommandSetArray: t.setArray,
	}
	return t
}

// SetModel swaps the dispatched model, e.g. after a reset.
func (t *Table) SetModel(m Model) {
	t.model = m
}

// Action registers a side-effecting action handled before the model.
func (t *Table) Action(name, doc string, fn func() error) {
	t.actions[name] = action{doc: doc, fn: fn}
}

// Param registers a read-only parameter handled before the model.
func (t *Table) Param(name, doc string, fn func() interface{}) {
	t.params[name] = param{doc: doc, fn: fn}
}

// Dispatch runs req against the table. It never panics: model panics and
// errors are converted into failure responses.
func (t *Table) Dispatch(req models.Request) (resp models.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = models.Failure("%s %s: model fault: %v", req.Command, req.Target, r)
		}
	}()

	h, ok := t.handlers[req.Command]
	if !ok {
		if req.Command.IsRegistry() {
			return models.Failure("command %q is handled by the session registry", req.Command)
		}
		return models.Failure("unknown command %q", req.Command)
	}
	if req.Target == "" {
		return models.Failure("%s: missing target", req.Command)
	}
	return h(req)
}

func (t *Table) do(req models.Request) models.Response {
	if a, ok := t.actions[req.Target]; ok {
		if err := a.fn(); err != nil {
			return models.Failure("do %s: %v", req.Target, err)
		}
		return models.Ack()
	}
	if err := t.model.Do(req.Target); err != nil {
		return models.Failure("do %s: %v", req.Target, err)
	}
	return models.Ack()
}

func (t *Table) get(req models.Request) models.Response {
	if p, ok := t.params[req.Target]; ok {
		return models.ValueResponse(p.fn())
	}
	v, err := t.model.Get(req.Target)
	if err != nil {
		return models.Failure("get %s: %v", req.Target, err)
	}
	return models.ValueResponse(v)
}

func (t *Table) set(req models.Request) models.Response {
	if _, ok := t.params[req.Target]; ok {
		return models.Failure("set %s: %v", req.Target, ErrReadOnly)
	}
	if len(req.Value) == 0 || !json.Valid(req.Value) {
		return models.Failure("set %s: %v", req.Target, BadPayload("value must be JSON"))
	}
	if err := t.model.Set(req.Target, req.Value); err != nil {
		return models.Failure("set %s: %v", req.Target, err)
	}
	return models.Ack()
}

func (t *Table) getArray(req models.Request) models.Response {
	a, err := t.model.GetArray(req.Target)
	if err != nil {
		return models.Failure("get_array %s: %v", req.Target, err)
	}
	if err := a.Validate(); err != nil {
		return models.Failure("get_array %s: model returned %v", req.Target, err)
	}
	return models.ArrayResponse(a)
}

func (t *Table) setArray(req models.Request) models.Response {
	if err := req.Array.Validate(); err != nil {
		return models.Failure("set_array %s: %v", req.Target, BadPayload("%v", err))
	}
	if err := t.model.SetArray(req.Target, req.Array); err != nil {
		return models.Failure("set_array %s: %v", req.Target, err)
	}
	return models.Ack()
}

// Commands merges the model's targets with the table's own.
func (t *Table) Commands() models.AvailableCommands {
	cmds := t.model.Commands()
	out := models.AvailableCommands{
		Do:       copyDocs(cmds.Do),
		Get:      copyDocs(cmds.Get),
		Set:      copyDocs(cmds.Set),
		GetArray: copyDocs(cmds.GetArray),
		SetArray: copyDocs(cmds.SetArray),
	}
	for name, a := range t.actions {
		out.Do[name] = a.doc
	}
	for name, p := range t.params {
		out.Get[name] = p.doc
		delete(out.Set, name)
	}
	return out
}

// Names returns the sorted keys of a command description map.
func Names(docs map[string]string) []string {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsUnknownTarget reports whether err came from an unknown name.
func IsUnknownTarget(err error) bool {
	return errors.Is(err, ErrUnknownTarget)
}

func copyDocs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

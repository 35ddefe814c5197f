// Package tool defines the structured tools a conversation can invoke and
// the registry they are looked up in.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

// ErrNotRegistered is returned by Resolve for an unknown tool name.
var ErrNotRegistered = errors.New("tool not registered")

// Tool is a named capability that turns slots into a text result.
type Tool interface {
	Name() string
	Execute(ctx context.Context, slots model.Slots) (string, error)
}

// Error is a tool failure whose message is safe to show to the user.
type Error struct {
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error for tool name.
func Errorf(name, format string, args ...any) *Error {
	return &Error{Tool: name, Message: fmt.Sprintf(format, args...)}
}

// AmbiguousError reports that a command matched more than one calendar
// event. Candidates lets the caller ask the user to pick one.
type AmbiguousError struct {
	Action     string
	Candidates []model.CalendarEvent
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous %s: %d matching events", e.Action, len(e.Candidates))
}

// Registry maps tool names to tools. Names are case-insensitive. It is
// populated at startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(t.Name())] = t
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return t, nil
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

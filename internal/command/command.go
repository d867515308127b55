// Package command dispatches debug commands sent by frontends and the
// debug CLI.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command is a named debug operation.
type Command struct {
	Name        string
	Description string
	Usage       string
	Handler     Handler
}

// Handler executes a command. payload is the raw JSON sent with it and may
// be empty.
type Handler func(ctx context.Context, payload json.RawMessage) (*Result, error)

// Result holds the output of a command.
type Result struct {
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Registry holds all registered commands.
type Registry struct {
	commands map[string]*Command
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the help command installed.
func NewRegistry() *Registry {
	r := &Registry{commands: make(map[string]*Command)}
	r.Register(helpCommand(r))
	return r
}

// Register adds a command, replacing any command with the same name.
func (r *Registry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = cmd
}

// Dispatch runs the named command. Unknown names produce a result telling
// the caller to try help rather than an error.
func (r *Registry) Dispatch(ctx context.Context, name string, payload json.RawMessage) (*Result, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{
			Content: fmt.Sprintf("Unknown command: %s. Send help for available commands.", name),
		}, nil
	}
	return cmd.Handler(ctx, payload)
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Decode unmarshals a command payload into v. An empty payload leaves v
// untouched.
func Decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func helpCommand(reg *Registry) *Command {
	return &Command{
		Name:        "help",
		Description: "List available debug commands",
		Usage:       "help",
		Handler: func(_ context.Context, _ json.RawMessage) (*Result, error) {
			var sb strings.Builder
			sb.WriteString("Available commands:\n")
			for _, cmd := range reg.List() {
				fmt.Fprintf(&sb, "  %-16s %s\n", cmd.Usage, cmd.Description)
			}
			return &Result{Content: sb.String()}, nil
		},
	}
}

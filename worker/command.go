package worker

import (
	"encoding/json"
	"fmt"

	"github.com/guseggert/procpool/frame"
)

// Reserved command names. Commands starting with "__worker__." are never delivered to OnCommand.
const (
	CommandReload    = "__worker__.reload"
	CommandTerminate = "__worker__.terminate"
	CommandSyncID    = "__worker__.sync.id"

	// sent by a replica once its command pipeline is up and again once Boot has returned
	commandBooted  = "__worker__.booted"
	commandRunning = "__worker__.running"
)

// Command is the message exchanged between the manager and its replicas.
type Command struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NewCommand builds a command from alternating key/value pairs, the way zap's sugared logger takes fields.
func NewCommand(name string, keysAndValues ...any) Command {
	cmd := Command{Name: name}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		k, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if cmd.Arguments == nil {
			cmd.Arguments = map[string]any{}
		}
		cmd.Arguments[k] = keysAndValues[i+1]
	}
	return cmd
}

// Arg returns the named argument, or nil.
func (c Command) Arg(name string) any {
	if c.Arguments == nil {
		return nil
	}
	return c.Arguments[name]
}

// String returns the named argument when it is a string.
func (c Command) String(name string) (string, bool) {
	s, ok := c.Arg(name).(string)
	return s, ok
}

// Int returns the named argument when it is a number. Numbers decoded from JSON are float64.
func (c Command) Int(name string) (int, bool) {
	switch v := c.Arg(name).(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

func encodeCommand(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding command %q: %w", cmd.Name, err)
	}
	return frame.Encode(b), nil
}

func decodeCommand(b []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("decoding command: missing name")
	}
	return cmd, nil
}

func syncReply(id string, value any, err error) Command {
	if err != nil {
		return NewCommand(CommandSyncID, "id", id, "error", err.Error())
	}
	return NewCommand(CommandSyncID, "id", id, "sync", value)
}

package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/dispense/core/model"
)

// Command asks a dispenser node to run one dispense.
type Command struct {
	CommandID string                 `json:"command_id"`
	Settings  model.DispenseSettings `json:"settings"`
	Timestamp int64                  `json:"timestamp"`

	// settings as received, overlaid on the node's configuration
	raw json.RawMessage
}

// UnmarshalJSON decodes a command and keeps its raw settings for
// SettingsOver.
func (c *Command) UnmarshalJSON(b []byte) error {
	type plain Command
	var w struct {
		plain
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Command(w.plain)
	if len(w.Settings) > 0 && string(w.Settings) != "null" {
		c.raw = w.Settings
		if err := json.Unmarshal(w.Settings, &c.Settings); err != nil {
			return err
		}
	}
	return nil
}

// SettingsOver returns the command settings on top of base. Fields the
// sender left out keep their base value, and a command without settings
// runs base.
func (c Command) SettingsOver(base model.DispenseSettings) (model.DispenseSettings, error) {
	if len(c.raw) > 0 {
		err := base.Overlay(c.raw)
		return base, err
	}
	if c.Settings == (model.DispenseSettings{}) {
		return base, nil
	}
	return c.Settings, nil
}

// Reply reports the outcome of a Command. Error is empty on success.
type Reply struct {
	CommandID string      `json:"command_id"`
	RunID     string      `json:"run_id,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Delivered float64     `json:"delivered"`
	Data      *model.Data `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Client sends dispense commands to remote nodes and waits for their
// replies.
type Client interface {
	// SendCommand publishes the command for node and returns the command
	// identifier used to match the reply.
	SendCommand(node string, s model.DispenseSettings) (commandID string, err error)

	// WaitForReply waits for the reply to commandID or until the timeout
	// expires.
	WaitForReply(commandID string, timeout time.Duration) (Reply, error)
}

// CommandTopic is where node listens for commands.
func CommandTopic(node string) string { return fmt.Sprintf("dispense/%s/command", node) }

// ReplyTopic is where node publishes the reply to commandID.
func ReplyTopic(node, commandID string) string {
	return fmt.Sprintf("dispense/%s/result/%s", node, commandID)
}

// ReplyFilter matches the replies of every node.
const ReplyFilter = "dispense/+/result/+"

package cluster

import (
	"encoding/json"
	"fmt"

	contractpkg "tabula/internal/contract"
	"tabula/internal/coordinator"
)

// Command is the structure replicated through raft. Exactly one field is set:
// either a contract update computed by the leader, or a new desired table
// configuration submitted by an operator.
type Command struct {
	Update *coordinator.Update `json:"update,omitempty"`
	Table  contractpkg.Table   `json:"table,omitempty"`
}

// Marshal serialises the command.
func (c *Command) Marshal() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil command")
	}
	if c.Update == nil && len(c.Table) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return json.Marshal(c)
}

// UnmarshalCommand deserialises command bytes.
func UnmarshalCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

package protocol

// Command is the canonical command envelope published on strada.cmd.<vehicle-id>.
// Script names a script in the vehicle's script library; Inline carries Lua
// source directly and takes precedence when both are set.
type Command struct {
	CommandID string         `json:"command_id"`
	Script    string         `json:"script,omitempty"`
	Inline    string         `json:"inline,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
	Source    string         `json:"source,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

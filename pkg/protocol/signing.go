package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// signingPayload is the subset of Command fields that are signed.
// A dedicated struct ensures deterministic JSON marshal order.
type signingPayload struct {
	CommandID string         `json:"command_id"`
	Script    string         `json:"script"`
	Inline    string         `json:"inline"`
	Args      map[string]any `json:"args"`
	TimeoutMs int            `json:"timeout_ms"`
	Source    string         `json:"source"`
}

func canonical(cmd *Command) ([]byte, error) {
	return json.Marshal(signingPayload{
		CommandID: cmd.CommandID,
		Script:    cmd.Script,
		Inline:    cmd.Inline,
		Args:      cmd.Args,
		TimeoutMs: cmd.TimeoutMs,
		Source:    cmd.Source,
	})
}

// SignCommand computes an HMAC-SHA256 signature for the command and sets
// cmd.Signature. If secret is empty, the command is left unsigned.
func SignCommand(cmd *Command, secret string) error {
	if secret == "" {
		return nil
	}
	data, err := canonical(cmd)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	cmd.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifyCommand checks the HMAC-SHA256 signature on a command.
// If secret is empty, verification is skipped (returns true).
// If the command has no signature but a secret is configured, returns false.
func VerifyCommand(cmd *Command, secret string) bool {
	if secret == "" {
		return true
	}
	if cmd.Signature == "" {
		return false
	}
	data, err := canonical(cmd)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(cmd.Signature))
}

package tokens

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CallbackAction is the single-letter verb of a compact channel callback.
type CallbackAction string

const (
	CallbackApprove CallbackAction = "a"
	CallbackReject  CallbackAction = "r"
	CallbackDetails CallbackAction = "d"
)

var callbackRe = regexp.MustCompile(`^apr:([ard]):([0-9a-f]{32})$`)

// FormatCallbackData renders the compact inline-callback payload
// "apr:<a|r|d>:<32-hex request id>" (38 bytes, under the 64-byte limit
// common to chat-channel callback fields).
func FormatCallbackData(action CallbackAction, requestID string) (string, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return "", fmt.Errorf("invalid approval request id %q: %w", requestID, err)
	}
	hexID := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("apr:%s:%s", action, hexID), nil
}

// ParseCallbackData parses a compact callback payload back into its action
// and the canonical (dashed) request id.
func ParseCallbackData(data string) (CallbackAction, string, error) {
	m := callbackRe.FindStringSubmatch(data)
	if m == nil {
		return "", "", fmt.Errorf("malformed callback data %q", data)
	}
	id, err := uuid.Parse(m[2])
	if err != nil {
		return "", "", fmt.Errorf("malformed callback request id: %w", err)
	}
	return CallbackAction(m[1]), id.String(), nil
}

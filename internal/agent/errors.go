package agent

import "errors"

var (
	// ErrNoProvider indicates no configured provider has usable credentials.
	ErrNoProvider = errors.New("no LLM provider with usable credentials")

	// ErrAuthFailed indicates the primary provider rejected our credentials.
	// The loop surfaces this as an actionable hint instead of failing over.
	ErrAuthFailed = errors.New("provider authentication failed")

	// ErrDuplicateTool indicates a tool name collision during registration.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Result kind prefixes used in tool-result error content. Tool failures
// never abort the loop; they are serialized with one of these markers so
// the model can self-correct.
const (
	KindUnknownTool     = "unknown_tool"
	KindValidationError = "validation_error"
	KindPolicyDenied    = "policy_denied"
	KindTimeout         = "timeout"
)

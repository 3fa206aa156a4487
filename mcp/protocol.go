package mcp

import (
	"encoding/json"
	"fmt"
)

// WireVersion is the protocol version carried by every envelope on the wire.
const WireVersion = "2.0"

// ProtocolVersion is the protocol revision negotiated during the initialize
// handshake. It is independent of the envelope's wire version.
const ProtocolVersion = "2024-11-05"

// RequestID is a type that enforces string representation for envelope IDs,
// which the protocol allows to be either a string or an integer. It handles
// automatic conversion during JSON marshaling/unmarshaling.
type RequestID string

// Envelope represents one protocol message used for communication with a
// server. It can represent either a request, response, or notification
// depending on which fields are populated:
//   - Request: ID, Method, and Params are set
//   - Response: ID and exactly one of Result or Error are set
//   - Notification: Method is set (no ID)
type Envelope struct {
	// ProtocolVersion must always be "2.0".
	ProtocolVersion string `json:"protocolVersion"`
	// ID uniquely identifies request-response pairs and must be a string or number.
	ID RequestID `json:"id,omitempty"`
	// Method contains the method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *ErrorObject `json:"error,omitempty"`
}

// IsResponse reports whether the envelope is a response to an earlier request.
func (e Envelope) IsResponse() bool {
	return e.ID != "" && e.Method == ""
}

// IsNotification reports whether the envelope is a notification, which expects
// no reply.
func (e Envelope) IsNotification() bool {
	return e.ID == "" && e.Method != ""
}

// ErrorObject represents an error response carried inside an envelope. It
// follows the standard JSON-RPC 2.0 error object format.
type ErrorObject struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional unstructured information about the error.
	Data any `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("server error, code: %d, message: %s", e.Code, e.Message)
}

// Method names for requests issued by this client.
const (
	MethodPing       = "ping"
	MethodInitialize = "initialize"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodResourcesList        = "resources/list"
	MethodResourcesRead        = "resources/read"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	MethodLoggingSetLevel = "logging/setLevel"
)

// Notification methods consumed from the server.
const (
	methodNotificationsInitialized = "notifications/initialized"

	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"

	methodLoggingMessage = "logging/message"
)

// Standard error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into a
// RequestID, handling both string and numeric input formats.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		*r = RequestID(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, always encoding the ID as a string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// Package jsonrpc implements the JSON-RPC 2.0 message types spoken by ACP.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version used by ACP.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700 // Invalid JSON was received
	InvalidRequest = -32600 // The JSON sent is not a valid Request object
	MethodNotFound = -32601 // The method does not exist / is not available
	InvalidParams  = -32602 // Invalid method parameter(s)
	InternalError  = -32603 // Internal JSON-RPC error
)

// Request represents a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"` // String, number, or absent for notifications
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Notification is a request without an ID.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC request
func NewRequest(id any, method string, params map[string]any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification creates a new JSON-RPC notification (no response expected)
func NewNotification(method string, params map[string]any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse creates a successful JSON-RPC response. A nil result is sent
// as an empty object because ACP clients expect a result member.
func NewResponse(id any, result any) *Response {
	if result == nil {
		result = map[string]any{}
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse creates a JSON-RPC error response
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// IsNotification checks if a request is a notification (no ID)
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// IsError checks if a response contains an error
func (r *Response) IsError() bool {
	return r.Error != nil
}

// UnmarshalRequest parses a JSON-RPC request
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Failed to parse JSON-RPC request", Data: err.Error()}
	}
	if req.JSONRPC != Version {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid JSON-RPC version: %s", req.JSONRPC)}
	}
	return &req, nil
}

// UnmarshalResponse parses a JSON-RPC response
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Failed to parse JSON-RPC response", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid JSON-RPC version: %s", resp.JSONRPC)}
	}
	return &resp, nil
}

// ParsePayload decodes a single message and reports whether it is a request
// (method present) or a response.
func ParsePayload(payload []byte) (*Request, *Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, &RPCError{Code: ParseError, Message: "Failed to parse JSON-RPC payload", Data: err.Error()}
	}
	if _, ok := probe["method"]; ok {
		req, err := UnmarshalRequest(payload)
		if err != nil {
			return nil, nil, err
		}
		return req, nil, nil
	}
	resp, err := UnmarshalResponse(payload)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// RPC methods carried over a peer or client WebSocket session. One logical
// call per WebSocket message.
const (
	MethodOpen      = "ibgp.open"
	MethodUpdate    = "ibgp.update"
	MethodKeepalive = "ibgp.keepalive"
	MethodClose     = "ibgp.close"
)

// Frame is the envelope for every WebSocket RPC message. Requests carry
// Method+Params, responses echo ID and carry Result.
type Frame struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Result is the uniform RPC outcome shape.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// traceparentLine matches a W3C traceparent prefix line some callers prepend
// to the payload: 00-<traceId>-<spanId>-01\n
var traceparentLine = regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}\n`)

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}

// DecodeFrame parses a wire message, tolerating an optional traceparent
// prefix line before the JSON payload.
func DecodeFrame(data []byte) (*Frame, error) {
	if loc := traceparentLine.FindIndex(data); loc != nil {
		data = data[loc[1]:]
	}
	data = bytes.TrimSpace(data)
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}

// MarshalParams encodes an RPC parameter payload.
func MarshalParams(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return b, nil
}

// UnmarshalParams decodes an RPC parameter payload into v.
func UnmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return nil
}

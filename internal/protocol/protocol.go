// Package protocol defines the newline-delimited JSON messages exchanged with a
// persistent detection worker over its standard streams.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// TypeFrame is the only request type the worker understands.
const TypeFrame = "frame"

// UnknownID is echoed when a request's id cannot be recovered.
var UnknownID = json.RawMessage("-1")

// Request is one input line. ID is an opaque JSON value echoed back verbatim.
type Request struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Type     string          `json:"type"`
	ImageB64 string          `json:"image_b64"`
}

// Response is one output line: either a count (with optional preview) or an error.
type Response struct {
	ID           json.RawMessage `json:"id"`
	Count        *int            `json:"count,omitempty"`
	AnnotatedB64 string          `json:"annotated_b64,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Decode parses one request line. On failure it still returns whatever id could be
// recovered so the error response can be correlated.
func Decode(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{ID: recoverID(line)}, fmt.Errorf("malformed request: %w", err)
	}
	if len(req.ID) == 0 || bytes.Equal(req.ID, []byte("null")) {
		req.ID = UnknownID
	}
	return req, nil
}

// recoverID pulls "id" out of a line whose other fields failed to decode.
func recoverID(line []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(line, &probe) != nil || len(probe.ID) == 0 || bytes.Equal(probe.ID, []byte("null")) {
		return UnknownID
	}
	return probe.ID
}

// Success builds a count response.
func Success(id json.RawMessage, count int, annotated string) Response {
	return Response{ID: orUnknown(id), Count: &count, AnnotatedB64: annotated}
}

// Failure builds an error response.
func Failure(id json.RawMessage, err error) Response {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Response{ID: orUnknown(id), Error: msg}
}

// Encode renders a response as a single line terminated by '\n'.
func Encode(resp Response) ([]byte, error) {
	resp.ID = orUnknown(resp.ID)
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// IntID formats an integer id the way clients allocate them.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// Key normalizes an id for map lookups.
func Key(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

func orUnknown(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return UnknownID
	}
	return id
}

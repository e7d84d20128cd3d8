// Package uds implements Unix Domain Socket based IPC between the CLI and daemon.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDuplicate        = "DUPLICATE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeTooLarge         = "TOO_LARGE"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
	ErrCodeTimeout          = "TIMEOUT"
)

// Commands understood by the daemon.
const (
	CmdPing      = "ping"
	CmdSubmit    = "submit"
	CmdCancel    = "cancel"
	CmdCancelAll = "cancel_all"
	CmdGet       = "get"
	CmdList      = "list"
	CmdWait      = "wait"
	CmdSpace     = "space"
	CmdStats     = "stats"
	CmdShutdown  = "shutdown"
)

type SubmitParams struct {
	Owner    string `json:"owner"`
	Source   string `json:"source"`
	DestPath string `json:"dest_path,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// TaskParams addresses one task. Actor is the caller, checked against the
// task owner for cancel.
type TaskParams struct {
	ID         string `json:"id"`
	Actor      string `json:"actor,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type ListParams struct {
	Owner    string   `json:"owner,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

type OwnerParams struct {
	Owner string `json:"owner,omitempty"`
	Actor string `json:"actor,omitempty"`
}

type SpaceParams struct {
	Refresh bool `json:"refresh,omitempty"`
}

// CancelResult reports the outcome of cancel: "cancelled", "pending" while a
// running transfer stops, or "noop" for a finished task.
type CancelResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

type CancelAllResult struct {
	Cancelled int `json:"cancelled"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v. Missing parameters
// leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// Decode returns the error carried by a failed response, or unmarshals Data
// into v.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return errors.New("request failed without detail")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// DefaultSocketName is the conventional socket filename inside the data dir.
const DefaultSocketName = "daemon.sock"

const maxFrameSize = 10 * 1024 * 1024

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}

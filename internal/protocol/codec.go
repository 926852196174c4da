// Package protocol defines the request/response envelopes exchanged with
// worker processes and their wire codec.
//
// Framing is one JSON value per message, written with json.Encoder and read
// with json.Decoder over the worker's stdin/stdout pipes. JSON values are
// self-delimiting, so a partial read or write can never be mistaken for a
// different message; a truncated stream surfaces as a decode error, which
// callers treat as a transport failure.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobKey == "" {
		return fmt.Errorf("request missing job_key")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeRequest reads one Request from dec and validates it. Returns io.EOF
// unwrapped when the stream is closed, so workers can exit cleanly.
func DecodeRequest(dec *json.Decoder) (*Request, error) {
	var req Request
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobKey == "" {
		return nil, fmt.Errorf("request missing required field: job_key")
	}
	if req.InputPath == "" {
		return nil, fmt.Errorf("request missing required field: input_path")
	}
	if req.OutputDir == "" {
		return nil, fmt.Errorf("request missing required field: output_dir")
	}

	return &req, nil
}

// EncodeResponse serializes a Response to JSON and writes it to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := validateResponse(resp); err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	return nil
}

// DecodeResponse reads one Response from dec and validates it. Returns io.EOF
// unwrapped when the stream is closed, so callers can tell a dead worker from
// a misbehaving one.
func DecodeResponse(dec *json.Decoder) (*Response, error) {
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if err := validateResponse(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func validateResponse(resp *Response) error {
	if resp.JobKey == "" {
		return fmt.Errorf("response missing required field: job_key")
	}
	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	if resp.Status == "ok" && resp.Error != "" {
		return fmt.Errorf("response has status=ok but carries an error message")
	}
	return nil
}

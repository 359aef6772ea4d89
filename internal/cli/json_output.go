// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - The --json envelope shared by all commands.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// JSONResponse is the envelope printed by commands in --json mode.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	return &JSONResponse{
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print writes the response to stdout.
func (r *JSONResponse) Print() error {
	return r.Write(os.Stdout)
}

// Write writes the indented response to w.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// String returns the response as indented JSON.
func (r *JSONResponse) String() string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"failed to marshal response: %s"}`, err.Error())
	}
	return string(data)
}

// OutputJSON runs handler and, in JSON mode, prints its result in the
// envelope. Errors are returned either way; Execute prints them.
func OutputJSON(jsonMode bool, command string, handler func() (any, error)) error {
	data, err := handler()
	if err != nil || !jsonMode {
		return err
	}
	return NewJSONResponse(command, data).Print()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultButtonLabel is used when a backend button carries no text.
const DefaultButtonLabel = "Кнопка"

// Action is an interactive block attached to an assistant message.
type Action struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Elements []ActionElement `json:"elements,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Mapping  json.RawMessage `json:"mapping,omitempty"`
}

// ActionElement is a single button.
type ActionElement struct {
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
	Value string `json:"value,omitempty"`
}

// Clone returns a copy with its own element slice.
func (a Action) Clone() Action {
	if a.Elements != nil {
		a.Elements = append([]ActionElement(nil), a.Elements...)
	}
	return a
}

// NodeID returns data.nodeId, used when answering agent flow checkpoints.
func (a *Action) NodeID() string {
	if a == nil || len(a.Data) == 0 {
		return ""
	}
	var d struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(a.Data, &d); err != nil {
		return ""
	}
	return d.NodeID
}

// IsOperatorHandoff reports whether clicking the element asks for a human.
func (e ActionElement) IsOperatorHandoff() bool {
	if e.Type == "operator-handoff" || e.Type == "operator" || e.Value == "operator_handoff" {
		return true
	}
	label := strings.ToLower(e.Label)
	return strings.Contains(label, "оператор") || strings.Contains(label, "operator")
}

// IsAgentflowCheckpoint reports whether the element answers a human input node.
func (e ActionElement) IsAgentflowCheckpoint() bool {
	return strings.Contains(e.Type, "agentflowv2")
}

// IsApprove reports whether the element approves a checkpoint.
func (e ActionElement) IsApprove() bool {
	return strings.Contains(e.Type, "approve")
}

// rawButton is the backend's button shape prior to normalization.
type rawButton struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// NormalizeAction decodes an action payload. The payload may be an object or
// a JSON string holding one. A "buttons" action is rewritten into elements.
// A nil result with nil error means the payload was empty.
func NormalizeAction(raw json.RawMessage) (*Action, error) {
	raw = unquoteJSON(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var wire struct {
		Action
		Buttons []rawButton `json:"buttons"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	action := wire.Action
	if action.Type == "buttons" && len(wire.Buttons) > 0 {
		action.Elements = make([]ActionElement, 0, len(wire.Buttons))
		for _, b := range wire.Buttons {
			elem := ActionElement{
				Type:  b.Type,
				Label: firstNonEmpty(b.Text, b.Label, b.Value, DefaultButtonLabel),
				Value: b.Value,
			}
			if elem.Type == "" {
				elem.Type = "button"
			}
			action.Elements = append(action.Elements, elem)
		}
	}
	return &action, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

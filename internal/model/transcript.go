// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Handoff text and identifiers shared with the backend.
const (
	TransferMarker        = "Чат передан оператору"
	TransferNotice        = "Чат передан оператору. Ожидайте ответа..."
	TransferIDPrefix      = "transfer-"
	DefaultHandoffMessage = "Пользователь запросил связь с оператором"
	TransferFailedMessage = "Не удалось передать запрос оператору. Попробуйте еще раз."
)

// Greeting defaults.
const (
	DefaultAssistantGreeting = "Я ваш AI-ассистент. Чем могу помочь?"
	DefaultWelcomeMessage    = "Задавайте мне вопросы об экосистеме так, словно обращаетесь к сотруднику Сколково."
	GuestName                = "Гость"
)

// NewConversationID returns a fresh conversation id, prefixed with the
// customer id and a plus sign when one is configured.
func NewConversationID(customerID string) string {
	id := uuid.New().String()
	if customerID != "" {
		return customerID + "+" + id
	}
	return id
}

// ContainsTransferNotice reports whether any entry announces an operator handoff.
func ContainsTransferNotice(messages []Message) bool {
	for i := range messages {
		if strings.Contains(messages[i].Text, TransferMarker) {
			return true
		}
	}
	return false
}

// IdentitySet collects the identities of messages that have one.
func IdentitySet(messages []Message) map[string]struct{} {
	set := make(map[string]struct{}, len(messages))
	for i := range messages {
		if id := messages[i].ID; id != "" {
			set[id] = struct{}{}
		}
		if id := messages[i].MessageID; id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// SortByTime stable-sorts messages by DateTime ascending.
// Entries without a timestamp keep their relative position at the front.
func SortByTime(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Time().Before(messages[j].Time())
	})
}

// Greeting builds the first assistant line for a known user.
func Greeting(fio, assistantGreeting string) string {
	if assistantGreeting == "" {
		assistantGreeting = DefaultAssistantGreeting
	}
	hello := "Здравствуйте"
	if fio != "" && fio != GuestName {
		hello += ", " + fio
	}
	return hello + "! " + assistantGreeting
}

// WithoutLeadCapture drops lead form entries and fills missing timestamps.
func WithoutLeadCapture(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleLeadCapture {
			continue
		}
		if m.DateTime == "" {
			m.DateTime = Now()
		}
		m.Pending = false
		out = append(out, m)
	}
	return out
}

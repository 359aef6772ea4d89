// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport talks to the chatflow backend over HTTP.
//
// Predictions go through Send, which returns an Operation with the same
// event contract for both transports:
//
//	started → token* / sideChannel* → completed | failed
//
// Sync requests produce a single completed event carrying the decoded
// answer. Streaming requests relay SSE frames as tokens and side-channel
// events. A JSON reply to a streaming request signals operator mode and
// completes the operation; it is not an error. Cancelled operations end
// without a terminal event.
//
// # Usage
//
//	client := transport.NewClient(apiHost, chatflowID)
//	op := client.Send(ctx, transport.PredictionRequest{Question: "hi"}, transport.KindStream)
//	for ev := range op.Events() {
//	    switch ev.Kind {
//	    case transport.EventToken:
//	        fmt.Print(ev.Text)
//	    case transport.EventFailed:
//	        return ev.Err
//	    }
//	}
//
// The client also covers the unary endpoints used around a conversation:
// operator transfer, message polling, feedback, leads, chatbot config,
// attachments, and text-to-speech.
package transport

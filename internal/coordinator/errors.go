// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"errors"

	"github.com/jeranaias/chatwidget/internal/model"
)

var (
	// ErrEmptyInput is returned when a submission has neither text nor uploads.
	ErrEmptyInput = errors.New("empty input")

	// ErrFeedbackDisabled is returned by Rate when the chatflow turned feedback off.
	ErrFeedbackDisabled = errors.New("feedback is disabled for this chatflow")

	// ErrInvalidRating is returned by Rate for an unknown rating value.
	ErrInvalidRating = errors.New("rating must be THUMBS_UP or THUMBS_DOWN")

	// ErrTransferFailed is returned when the operator handoff request fails.
	ErrTransferFailed = errors.New(model.TransferFailedMessage)

	// ErrUploadFailed is returned when attachments could not be stored.
	ErrUploadFailed = errors.New("unable to upload documents")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)

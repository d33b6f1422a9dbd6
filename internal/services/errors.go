// Package services holds the application logic of the realtime core: the
// client-operation session service and the notification delivery gateway.
// This file centralizes service-level error values so that the transport
// layer can map them to stable error codes with errors.Is.
package services

import "errors"

// Session errors.
var (
	// ErrNotParticipant is returned when a user operates on a conversation
	// they do not belong to (or that does not exist).
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrEmptyContent is returned for a sendMessage with blank content.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong is returned when content exceeds the configured limit.
	ErrContentTooLong = errors.New("message content too long")

	// ErrMessageNotFound is returned when markAsRead names an unknown message
	// or one from another conversation.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidArgument covers missing ids in client operations.
	ErrInvalidArgument = errors.New("invalid argument")
)

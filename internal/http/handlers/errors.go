// Package handlers defines HTTP-layer error codes used across all endpoints
// and in WebSocket acknowledgements.
//
// Codes are lowercase snake_case. Generic codes mirror HTTP status semantics;
// domain codes describe realtime failures that status alone cannot convey.
// Clients branch on the code, never on the message.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_participant",
//	  "message": "not a participant of this conversation"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"

	// Domain-specific:
	ErrCodeNotParticipant    = "not_participant"
	ErrCodeInvalidArgument   = "invalid_argument"
	ErrCodeEmptyContent      = "content_empty"
	ErrCodeContentTooLong    = "content_too_long"
	ErrCodeMessageNotFound   = "message_not_found"
	ErrCodeUnknownOp         = "unknown_op"
	ErrCodeInvalidFrame      = "invalid_frame"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodeTooManyConns      = "too_many_connections"
	ErrCodeConnectionClosing = "connection_closing"
)

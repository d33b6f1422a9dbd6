// Package docs is generated by swag from the handler annotations; regenerate
// with `swag init -g cmd/realtime/main.go -o docs` rather than editing by hand.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "description": "Returns 200 while the fanout link is connected and 503 while it is down or reconnecting.",
                "produces": ["application/json"],
                "tags": ["Ops"],
                "summary": "Liveness and fanout link state",
                "operationId": "health",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpapi.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httpapi.HealthResponse"}}
                }
            }
        },
        "/ws": {
            "get": {
                "description": "Upgrades to a WebSocket. The credential is read from the Authorization header or the token query parameter and verified after the upgrade; the first frame is either \"connected\" or \"rejected\".",
                "tags": ["Realtime"],
                "summary": "Open a realtime connection",
                "operationId": "connectRealtime",
                "parameters": [
                    {"type": "string", "description": "Bearer token", "name": "Authorization", "in": "header"},
                    {"type": "string", "description": "Bearer token for clients that cannot set headers", "name": "token", "in": "query"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols", "schema": {"$ref": "#/definitions/handlers.ConnectedFrame"}},
                    "400": {"description": "Not a WebSocket handshake", "schema": {"type": "string"}}
                }
            }
        },
        "/api/v1/users/{id}/presence": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Returns online when any process holds a live connection lease for the user.",
                "produces": ["application/json"],
                "tags": ["Presence"],
                "summary": "Read a user's presence",
                "operationId": "getPresence",
                "parameters": [{"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.PresenceResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Shared store unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/api/v1/conversations/{id}/typing": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Returns the participants whose typing indicator is set. Indicators expire on their own if a stop event is lost.",
                "produces": ["application/json"],
                "tags": ["Presence"],
                "summary": "Poll typing indicators",
                "operationId": "getTyping",
                "parameters": [{"type": "string", "description": "Conversation ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.TypingResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Not a participant", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Shared store unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/internal/v1/conversations/{id}/messages": {
            "post": {
                "description": "Publishes newMessage to the conversation and refreshes the other participants' unread badges. Delivery is best-effort.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Gateway"],
                "summary": "Announce a persisted message",
                "operationId": "notifyMessageSent",
                "parameters": [
                    {"type": "string", "description": "Shared secret of the CRUD services", "name": "X-Internal-Token", "in": "header", "required": true},
                    {"type": "string", "description": "Conversation ID", "name": "id", "in": "path", "required": true},
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.MessageSentRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.AcceptedResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/internal/v1/conversations/{id}/read": {
            "post": {
                "description": "Publishes messageRead to the conversation and refreshes the reader's badge on their other devices.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Gateway"],
                "summary": "Announce a read receipt",
                "operationId": "notifyMessagesRead",
                "parameters": [
                    {"type": "string", "description": "Shared secret of the CRUD services", "name": "X-Internal-Token", "in": "header", "required": true},
                    {"type": "string", "description": "Conversation ID", "name": "id", "in": "path", "required": true},
                    {"description": "Read receipt", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.MessagesReadRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.AcceptedResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/internal/v1/users/{id}/notifications": {
            "post": {
                "description": "Publishes newNotification and the notification badge to the user, subject to their notification settings.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Gateway"],
                "summary": "Announce a persisted notification",
                "operationId": "notifyNotificationCreated",
                "parameters": [
                    {"type": "string", "description": "Shared secret of the CRUD services", "name": "X-Internal-Token", "in": "header", "required": true},
                    {"type": "string", "description": "Recipient user ID", "name": "id", "in": "path", "required": true},
                    {"description": "Notification", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.NotificationCreatedRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.AcceptedResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/internal/v1/users/{id}/unread": {
            "post": {
                "description": "Recomputes one unread counter from storage and pushes it to the user. An empty conversation_id refreshes the notification badge.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Gateway"],
                "summary": "Refresh an unread badge",
                "operationId": "notifyUnreadCount",
                "parameters": [
                    {"type": "string", "description": "Shared secret of the CRUD services", "name": "X-Internal-Token", "in": "header", "required": true},
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"description": "Badge selector", "name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.UnreadCountRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handlers.AcceptedResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.AcceptedResponse": {
            "type": "object",
            "properties": {"status": {"type": "string", "example": "accepted"}}
        },
        "handlers.ConnectedFrame": {
            "type": "object",
            "properties": {
                "handle_id": {"type": "string", "example": "0b6f7c1e-2f0a-4f2a-9d59-1f9e0f5b1b7a"},
                "type": {"type": "string", "example": "connected"},
                "user_id": {"type": "string", "example": "alice"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"},
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"}
            }
        },
        "handlers.MessageSentRequest": {
            "type": "object",
            "required": ["id", "sender_id"],
            "properties": {
                "client_message_id": {"type": "string", "example": "c-123"},
                "content": {"type": "string", "example": "hello"},
                "created_at": {"type": "string", "example": "2025-01-01T12:00:00Z"},
                "exclude_handle": {"type": "string"},
                "id": {"type": "string", "example": "6f1c2a0e-8d4b-4c61-9f0e-0b9a3f1d2c11"},
                "sender_id": {"type": "string", "example": "alice"}
            }
        },
        "handlers.MessagesReadRequest": {
            "type": "object",
            "required": ["user_id"],
            "properties": {
                "message_id": {"type": "string", "example": "6f1c2a0e-8d4b-4c61-9f0e-0b9a3f1d2c11"},
                "read_at": {"type": "string", "example": "2025-01-01T12:00:05Z"},
                "user_id": {"type": "string", "example": "bob"}
            }
        },
        "handlers.NotificationCreatedRequest": {
            "type": "object",
            "required": ["id", "kind"],
            "properties": {
                "actor_id": {"type": "string", "example": "bob"},
                "created_at": {"type": "string", "example": "2025-01-01T12:00:00Z"},
                "entity_id": {"type": "string", "example": "post-9"},
                "id": {"type": "string", "example": "2b4c6d8e-0000-4000-8000-000000000001"},
                "kind": {"type": "string", "example": "friend_request"},
                "text": {"type": "string", "example": "bob sent you a friend request"}
            }
        },
        "handlers.PresenceResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "online"},
                "user_id": {"type": "string", "example": "bob"}
            }
        },
        "handlers.TypingResponse": {
            "type": "object",
            "properties": {
                "conversation_id": {"type": "string", "example": "42"},
                "typing": {"type": "array", "items": {"$ref": "#/definitions/presence.Indicator"}}
            }
        },
        "handlers.UnreadCountRequest": {
            "type": "object",
            "properties": {"conversation_id": {"type": "string", "example": "42"}}
        },
        "httpapi.HealthResponse": {
            "type": "object",
            "properties": {
                "fanout": {"type": "string", "example": "connected"},
                "hub": {"$ref": "#/definitions/realtime.HubStats"},
                "status": {"type": "string", "example": "ok"}
            }
        },
        "presence.Indicator": {
            "type": "object",
            "properties": {
                "conversationId": {"type": "string"},
                "isTyping": {"type": "boolean"},
                "lastUpdatedAt": {"type": "string"},
                "userId": {"type": "string"}
            }
        },
        "realtime.HubStats": {
            "type": "object",
            "properties": {
                "handles": {"type": "integer"},
                "topics": {"type": "integer"},
                "users": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "go-chat-realtime API",
	Description:      "Real-time presence, typing and message fanout for chat clients.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

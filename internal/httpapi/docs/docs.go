// Package docs holds the OpenAPI document served under /swagger/ when built
// with -tags=swagger. Regenerate with `swag init -g cmd/genbridge/docs.go -o internal/httpapi/docs`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/generate": {
            "post": {
                "description": "Streams NDJSON: one {\"token\":...} line per fragment, then a {\"done\":true,...} line.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "summary": "Generate text",
                "parameters": [
                    {
                        "description": "prompt",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.GenerateRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.DoneLine"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "summary": "Service status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.GenerateRequest": {
            "type": "object",
            "properties": {"prompt": {"type": "string"}}
        },
        "types.DoneLine": {
            "type": "object",
            "properties": {
                "done": {"type": "boolean"},
                "content": {"type": "string"},
                "fragments": {"type": "integer"},
                "session_id": {"type": "string"},
                "finish_reason": {"type": "string"}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}
        },
        "types.ModelInfo": {
            "type": "object",
            "properties": {
                "path": {"type": "string"},
                "provider": {"type": "string"},
                "engine": {"type": "string"},
                "min_length": {"type": "integer"},
                "max_length": {"type": "integer"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "state": {"type": "string"},
                "error": {"type": "string"},
                "model": {"$ref": "#/definitions/types.ModelInfo"},
                "inflight": {"type": "integer"},
                "queue_len": {"type": "integer"},
                "max_queue_depth": {"type": "integer"},
                "loads_total": {"type": "integer"},
                "generations_total": {"type": "integer"},
                "uptime_seconds": {"type": "integer"},
                "server_time_unix": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "genbridge API",
	Description:      "HTTP API for streaming text generation.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

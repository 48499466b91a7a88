// Package diag — code generated by swag; DO NOT EDIT by hand.
// Regenerate with `swag init -g diag.go -o . --instanceName diag` after
// changing any of the annotation stubs in this package.
package diag

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
        "/api/peers": {
            "get": {
                "produces": ["application/json"],
                "tags": ["diag"],
                "summary": "Point-in-time peer table and fair-queue depth snapshot",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/diag.Snapshot"}
                    }
                }
            }
        },
        "/api/events": {
            "get": {
                "produces": ["application/json"],
                "tags": ["diag"],
                "summary": "Bounded trace of recent peer phase/link transitions",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "type": "array",
                            "items": {"$ref": "#/definitions/diag.Event"}
                        }
                    }
                }
            }
        },
        "/api/stream": {
            "get": {
                "tags": ["diag"],
                "summary": "WebSocket — periodic peer/queue snapshot push",
                "responses": {
                    "101": {
                        "description": "WebSocket upgrade",
                        "schema": {"type": "string"}
                    }
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["text/html"],
                "tags": ["diag"],
                "summary": "Minimal human-readable status page",
                "responses": {
                    "200": {
                        "description": "HTML page",
                        "schema": {"type": "string"}
                    }
                }
            }
        }
    },
    "definitions": {
        "diag.Event": {
            "type": "object",
            "properties": {
                "ts": {"type": "integer"},
                "msg": {"type": "string"}
            }
        },
        "diag.PeerRow": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "is_master": {"type": "boolean"},
                "phase": {"type": "string"},
                "link": {"type": "string"},
                "relaying_via": {"type": "integer"},
                "is_relay_provider": {"type": "boolean"},
                "relay_users": {"type": "integer"}
            }
        },
        "diag.QueueRow": {
            "type": "object",
            "properties": {
                "peer_id": {"type": "integer"},
                "state": {"type": "string"},
                "busy": {"type": "boolean"}
            }
        },
        "diag.Snapshot": {
            "type": "object",
            "properties": {
                "peers": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/diag.PeerRow"}
                },
                "queue": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/diag.QueueRow"}
                },
                "ts": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfodiag holds exported Swagger Info so clients can modify it.
var SwaggerInfodiag = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "meshvpn diag API",
	Description:      "Read-only introspection over the peer table, relay ring, and server fair queue.",
	InfoInstanceName: "diag",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfodiag.InstanceName(), SwaggerInfodiag)
}

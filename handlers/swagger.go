package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers minimal Swagger/OpenAPI endpoints for the service.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg *gin.Engine) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>eventide-auth Swagger</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "eventide-auth", "version": "v0.2.0" },
  "components": {
    "schemas": {
      "Error": { "type": "object", "properties": { "error": { "type": "string" }, "message": { "type": "string" } } },
      "Profile": { "type": "object", "properties": { "id": {"type":"string"}, "subjectId": {"type":"string"}, "email": {"type":"string"}, "name": {"type":"string"}, "role": {"type":"string","enum":["user","organizer","admin"]}, "lastLogin": {"type":"string","format":"date-time"} } }
    }
  },
  "paths": {
    "/auth/login": {
      "post": {
        "summary": "Sign in with an IdP ID token, an authorization code, or a Bearer assertion; sets access_token and refresh_token cookies",
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"idToken":{"type":"string"},"code":{"type":"string"},"redirectUri":{"type":"string"}}}}}},
        "responses": { "200": { "description": "signed in" }, "400": { "description": "no assertion supplied" }, "401": { "description": "assertion rejected" } }
      }
    },
    "/auth/refresh": {
      "post": { "summary": "Rotate the credential pair using the refresh_token cookie", "responses": { "200": { "description": "new cookies set" }, "401": { "description": "invalid or expired refresh token" } } }
    },
    "/auth/logout": {
      "post": { "summary": "Clear session cookies", "responses": { "200": { "description": "logged out" } } }
    },
    "/auth/profile": {
      "get": { "summary": "Current user's local profile", "responses": { "200": { "description": "profile" }, "401": { "description": "not signed in" } } }
    },
    "/api/v1/users/{subjectId}/role": {
      "put": { "summary": "Change a user's role (admin)", "responses": { "200": { "description": "updated profile" }, "403": { "description": "not an admin" }, "404": { "description": "unknown user" } } }
    },
    "/api/v1/events/{eventId}/organizers": {
      "get": { "summary": "List organizers assigned to an event (admin or assigned organizer)", "responses": { "200": { "description": "assignments" } } },
      "post": { "summary": "Assign an organizer to an event (admin)", "responses": { "201": { "description": "assignment" } } }
    },
    "/api/v1/events/{eventId}/organizers/{subjectId}": {
      "delete": { "summary": "Remove an organizer from an event (admin)", "responses": { "204": { "description": "removed" } } }
    },
    "/api/v1/events/{eventId}/notifications": {
      "post": { "summary": "Push a notification to connections subscribed to the event", "responses": { "202": { "description": "queued" }, "403": { "description": "not an owner of the event" } } }
    },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } }
  }
}`

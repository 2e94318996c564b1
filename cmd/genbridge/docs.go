package main

// General API documentation for swaggo. Regenerate with
// `swag init -g cmd/genbridge/docs.go -o internal/httpapi/docs`.
//
// @title           genbridge API
// @version         1.0
// @description     HTTP API for streaming text generation.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

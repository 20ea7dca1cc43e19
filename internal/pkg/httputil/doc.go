// Package httputil holds the JSON response and request helpers shared by the
// API handlers, so every endpoint returns the same error envelope.
package httputil

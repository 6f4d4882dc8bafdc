// Package httpapi holds the response helpers shared by the client-facing
// proxy and the management API: JSON writing and the OpenAI error shape.
package httpapi

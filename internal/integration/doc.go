// Package integration runs whole groups, coordinator and application
// included, over the in-process and WebSocket transports.
package integration

// Package fanout pushes correction frames to operator terminals over
// long-lived TCP connections with a one-line identity handshake.
package fanout

// Package session implements the client and server session state
// machines: the LSP initialize/initialized/shutdown/exit lifecycle,
// request/notification helpers built on pkg/dispatch and pkg/pending,
// and capability-gated handler registration on the server side.
package session

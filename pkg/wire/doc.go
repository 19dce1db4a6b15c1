// Package wire implements the JSON-RPC 2.0 message model and the
// Content-Length framing codec used by the Language Server Protocol.
//
// # Overview
//
// Every byte that crosses a transport is one of four message shapes —
// request, notification, success response, or error response — carried
// inside a header-prefixed frame. This package owns both the shape
// (Message, and the typed lifecycle payloads the core protocol itself
// speaks) and the wire encoding (Reader/Writer).
package wire

package wire

// The types below are the core lifecycle payloads the protocol engine
// itself speaks — initialize/initialized/shutdown/exit, dynamic
// capability (un)registration, progress and cancellation. Per-feature
// payloads (hover, completion, diagnostics, ...) belong to the method
// registry the core consumes, not to this package.

// ClientInfo and ServerInfo identify the two ends of a session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder is carried by InitializeParams when the client supports
// multi-root workspaces.
type WorkspaceFolder struct {
	URI  string `json:"uri" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// DynamicRegistrationCapability is the repeated shape LSP uses to let a
// client declare per-feature dynamic-registration support. It is the only
// piece of a feature's client capabilities the capability gate needs to
// see, so it is the only piece modeled here.
type DynamicRegistrationCapability struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// ClientCapabilities is intentionally open-ended: known sub-trees are
// typed just deep enough for the capability gate (§4.8) to inspect
// `dynamicRegistration` flags by capability path. Extra is neither filled
// when decoding nor written when encoding: keys other than textDocument
// and workspace are dropped on decode.
type ClientCapabilities struct {
	TextDocument map[string]DynamicRegistrationCapability `json:"textDocument,omitempty"`
	Workspace    map[string]DynamicRegistrationCapability `json:"workspace,omitempty"`
	Extra        map[string]interface{}                   `json:"-"`
}

// InitializeParams is the `initialize` request's parameter object.
type InitializeParams struct {
	ProcessID        *int                `json:"processId"`
	ClientInfo       *ClientInfo         `json:"clientInfo,omitempty"`
	RootURI          *string             `json:"rootUri"`
	RootPath         *string             `json:"rootPath,omitempty"`
	Capabilities     ClientCapabilities  `json:"capabilities"`
	Trace            string              `json:"trace,omitempty" validate:"omitempty,oneof=off messages verbose"`
	WorkspaceFolders []WorkspaceFolder   `json:"workspaceFolders,omitempty" validate:"omitempty,dive"`
}

// ServerCapabilities declares, generically, which methods a server
// handles. The core does not know every LSP feature's capability key —
// callers populate Declared with whatever keys the out-of-scope method
// registry defines; capability.State reads them by path.
type ServerCapabilities struct {
	Declared map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Declared to the top level so the wire shape matches
// LSP's `capabilities` object rather than nesting it under a field name.
func (s ServerCapabilities) MarshalJSON() ([]byte, error) {
	if s.Declared == nil {
		return []byte("{}"), nil
	}
	return marshalFlat(s.Declared)
}

// UnmarshalJSON reverses MarshalJSON.
func (s *ServerCapabilities) UnmarshalJSON(data []byte) error {
	return unmarshalFlat(data, &s.Declared)
}

// InitializeResult is the `initialize` response's result object.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// Registration is one entry of a `client/registerCapability` request, and
// the persisted shape of a dynamic registration in capability.State.
type Registration struct {
	ID              string      `json:"id" validate:"required"`
	Method          string      `json:"method" validate:"required"`
	RegisterOptions interface{} `json:"registerOptions,omitempty"`
}

// RegistrationParams is the `client/registerCapability` request payload.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations" validate:"required,min=1,dive"`
}

// Unregistration is one entry of a `client/unregisterCapability` request.
type Unregistration struct {
	ID     string `json:"id" validate:"required"`
	Method string `json:"method,omitempty"`
}

// UnregistrationParams is the `client/unregisterCapability` request payload.
type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations" validate:"required,dive"`
}

// CancelParams is the `$/cancelRequest` notification payload. ID mirrors
// the id type ambiguity of JSON-RPC ids themselves (string or number).
type CancelParams struct {
	ID interface{} `json:"id"`
}

// ProgressParams is the `$/progress` notification payload.
type ProgressParams struct {
	Token interface{} `json:"token" validate:"required"`
	Value interface{} `json:"value"`
}

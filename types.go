package sumbridge

import "encoding/json"

// ProtocolVersion is the protocol revision declared during the handshake.
const ProtocolVersion = "2024-11-05"

// Implementation names one side of the session during the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolProperty describes a single parameter of a tool.
type ToolProperty struct {
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Items       *ToolProperty `json:"items,omitempty"`
}

// ToolInputSchema describes the parameters a tool accepts.
type ToolInputSchema struct {
	Type       string                  `json:"type,omitempty"`
	Properties map[string]ToolProperty `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// ToolDescriptor describes one remote operation offered by the worker. The
// catalog of descriptors is discovered once per session via tools/list and
// treated as immutable afterwards.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      Implementation         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

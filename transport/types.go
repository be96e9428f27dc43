package transport

import (
	"context"
	"encoding/json"
)

// RequestId identifies a JSON-RPC request within a session. Ids are assigned
// by the protocol layer starting at 1 and are never reused, so a response can
// always be attributed to exactly one request.
type RequestId int64

type BaseJSONRPCRequest struct {
	// Id corresponds to the JSON schema field "id".
	Id RequestId `json:"id" yaml:"id" mapstructure:"id"`

	// Jsonrpc corresponds to the JSON schema field "jsonrpc".
	Jsonrpc string `json:"jsonrpc" yaml:"jsonrpc" mapstructure:"jsonrpc"`

	// Method corresponds to the JSON schema field "method".
	Method string `json:"method" yaml:"method" mapstructure:"method"`

	// Params corresponds to the JSON schema field "params".
	// It is stored as a []byte to enable efficient marshaling and unmarshaling into custom types later on in the protocol
	Params json.RawMessage `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params,omitempty"`
}

type BaseJSONRPCNotification struct {
	// Jsonrpc corresponds to the JSON schema field "jsonrpc".
	Jsonrpc string `json:"jsonrpc" yaml:"jsonrpc" mapstructure:"jsonrpc"`

	// Method corresponds to the JSON schema field "method".
	Method string `json:"method" yaml:"method" mapstructure:"method"`

	// Params corresponds to the JSON schema field "params".
	// It is stored as a []byte to enable efficient marshaling and unmarshaling into custom types later on in the protocol
	Params json.RawMessage `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params,omitempty"`
}

// BaseJSONRPCResponse carries either a result or an error payload, never both.
// Both are kept as raw JSON so the protocol layer can hand them to callers
// without committing to a shape.
type BaseJSONRPCResponse struct {
	Id RequestId `json:"id" yaml:"id" mapstructure:"id"`

	Jsonrpc string `json:"jsonrpc" yaml:"jsonrpc" mapstructure:"jsonrpc"`

	Result json.RawMessage `json:"result,omitempty" yaml:"result,omitempty" mapstructure:"result,omitempty"`

	Error json.RawMessage `json:"error,omitempty" yaml:"error,omitempty" mapstructure:"error,omitempty"`
}

type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
)

type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
}

func NewBaseMessageRequest(request BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: &request,
	}
}

func NewBaseMessageNotification(notification BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: &notification,
	}
}

func NewBaseMessageResponse(response BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: &response,
	}
}

// Transport is the contract between the protocol layer and a concrete wire.
// Handlers must be installed before Start or messages may be lost.
type Transport interface {
	// Start begins processing messages on the transport, including any
	// connection steps that need to be taken.
	Start(ctx context.Context) error

	// Send sends a single JSON-RPC message.
	Send(message *BaseJsonRpcMessage) error

	// Close closes the connection.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed
	// for any reason. It is invoked at most once.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for out-of-band errors. Errors are
	// not necessarily fatal.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for each received message.
	SetMessageHandler(handler func(message *BaseJsonRpcMessage))
}

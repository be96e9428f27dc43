// Package worker implements the serving side of the tool protocol: a
// JSON-RPC loop over standard streams that answers initialize,
// notifications/initialized, tools/list and tools/call. It is the process
// the Manager spawns and supervises.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge"
	"github.com/verbrio/sumbridge/transport"
)

const (
	serverName    = "sumbridge-worker"
	serverVersion = "0.1.0"
)

// ToolHandler executes one tool call. The returned string becomes the text
// content of the result; a non-nil error is reported to the caller as an
// error result, not a protocol failure.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

type registeredTool struct {
	descriptor sumbridge.ToolDescriptor
	handler    ToolHandler
}

// Server dispatches tool-protocol requests arriving on a transport.
type Server struct {
	tr  transport.Transport
	log *slog.Logger

	mu          sync.RWMutex
	tools       map[string]*registeredTool
	order       []string
	initialized bool

	closed chan struct{}
}

// NewServer creates a server over the given transport. Tools must be
// registered before Serve.
func NewServer(tr transport.Transport, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		tr:     tr,
		log:    log.With("component", "worker"),
		tools:  make(map[string]*registeredTool),
		closed: make(chan struct{}),
	}
}

// RegisterTool adds a tool. The input schema is reflected from
// argsPrototype's struct fields and their jsonschema tags.
func (s *Server) RegisterTool(name, description string, argsPrototype interface{}, handler ToolHandler) error {
	schema, err := reflectInputSchema(argsPrototype)
	if err != nil {
		return errors.Wrapf(err, "failed to build schema for tool %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; exists {
		return errors.Errorf("tool %q already registered", name)
	}
	s.tools[name] = &registeredTool{
		descriptor: sumbridge.ToolDescriptor{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		handler: handler,
	}
	s.order = append(s.order, name)
	return nil
}

// Serve processes requests until the context is cancelled or the transport
// closes (the supervisor closing our stdin is the normal shutdown signal).
func (s *Server) Serve(ctx context.Context) error {
	s.tr.SetCloseHandler(func() {
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
	})
	s.tr.SetErrorHandler(func(err error) {
		s.log.Warn("transport error", "error", err)
	})
	s.tr.SetMessageHandler(func(message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			go s.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			s.handleNotification(message.JsonRpcNotification)
		}
	})

	if err := s.tr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start transport")
	}
	s.log.Info("worker serving")

	select {
	case <-ctx.Done():
		_ = s.tr.Close()
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

func (s *Server) handleNotification(notification *transport.BaseJSONRPCNotification) {
	if notification.Method == "notifications/initialized" {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		s.log.Debug("client completed handshake")
	}
}

func (s *Server) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	switch request.Method {
	case "initialize":
		s.respondResult(request.Id, map[string]interface{}{
			"protocolVersion": sumbridge.ProtocolVersion,
			"serverInfo":      sumbridge.Implementation{Name: serverName, Version: serverVersion},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		})
	case "ping":
		s.respondResult(request.Id, map[string]interface{}{})
	case "tools/list":
		s.respondResult(request.Id, s.listToolsResult())
	case "tools/call":
		s.handleCallTool(ctx, request)
	default:
		s.respondError(request.Id, -32601, fmt.Sprintf("method not found: %s", request.Method))
	}
}

func (s *Server) listToolsResult() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descriptors := make([]sumbridge.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		descriptors = append(descriptors, s.tools[name].descriptor)
	}
	return map[string]interface{}{"tools": descriptors}
}

func (s *Server) handleCallTool(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.respondError(request.Id, -32602, fmt.Sprintf("invalid tools/call params: %v", err))
		return
	}

	s.mu.RLock()
	tool := s.tools[params.Name]
	s.mu.RUnlock()
	if tool == nil {
		s.respondError(request.Id, -32602, fmt.Sprintf("unknown tool: %s", params.Name))
		return
	}

	s.log.Debug("tool call", "tool", params.Name)
	text, err := tool.handler(ctx, params.Arguments)
	if err != nil {
		s.log.Warn("tool failed", "tool", params.Name, "error", err)
		s.respondResult(request.Id, newCallToolError(err))
		return
	}
	s.respondResult(request.Id, newCallToolResult(text))
}

func (s *Server) respondResult(id transport.RequestId, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, -32603, fmt.Sprintf("failed to marshal result: %v", err))
		return
	}
	s.send(transport.BaseJSONRPCResponse{Id: id, Jsonrpc: "2.0", Result: raw})
}

func (s *Server) respondError(id transport.RequestId, code int, message string) {
	payload, _ := json.Marshal(map[string]interface{}{"code": code, "message": message})
	s.send(transport.BaseJSONRPCResponse{Id: id, Jsonrpc: "2.0", Error: payload})
}

func (s *Server) send(response transport.BaseJSONRPCResponse) {
	if err := s.tr.Send(transport.NewBaseMessageResponse(response)); err != nil {
		s.log.Error("failed to send response", "id", response.Id, "error", err)
	}
}

// Package protocol implements the session layer of the JSON-RPC dialect
// spoken with a tool worker: request id allocation, response correlation,
// per-request timeouts and one-way notifications.
//
// Correlation model: every outgoing request claims a strictly increasing id
// (starting at 1, never reused within a session) and registers a buffered
// response channel under that id. Responses are matched by id, not arrival
// order, so out-of-order replies resolve correctly. When a caller stops
// waiting (timeout or cancellation) its channel is deregistered; a reply
// that arrives afterwards finds no handler and is dropped. Draining such
// stale replies instead of letting them sit in the stream is what keeps the
// next request from being answered with the previous request's response.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge/transport"
)

// DefaultRequestTimeout bounds a request when the caller supplies none.
const DefaultRequestTimeout = 60 * time.Second

var (
	// ErrRequestTimeout is returned when no correlated response arrived
	// within the request deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed is returned to pending requests when the
	// transport closes underneath them.
	ErrConnectionClosed = errors.New("connection closed")
)

// RPCError is an error payload reported by the peer in a response's error
// field. The payload is preserved verbatim so callers can surface it.
type RPCError struct {
	Payload json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error: %s", string(e.Payload))
}

// RequestOptions contains options that can be given per request.
type RequestOptions struct {
	// Context can be used to cancel an in-flight request.
	Context context.Context
	// Timeout bounds this request. Zero selects DefaultRequestTimeout.
	Timeout time.Duration
}

// Protocol implements request/response correlation on top of a pluggable
// transport. All public methods are safe for concurrent use.
type Protocol struct {
	transport transport.Transport

	mu               sync.Mutex
	requestMessageID transport.RequestId
	responseHandlers map[transport.RequestId]chan *responseEnvelope
	closed           bool

	handlersMu           sync.RWMutex
	notificationHandlers map[string]func(notification *transport.BaseJSONRPCNotification) error

	// OnClose is called when the connection is closed for any reason.
	OnClose func()
	// OnError is called when a non-fatal protocol error occurs.
	OnError func(error)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// NewProtocol creates a new Protocol instance. Connect must be called before
// issuing requests.
func NewProtocol() *Protocol {
	return &Protocol{
		responseHandlers:     make(map[transport.RequestId]chan *responseEnvelope),
		notificationHandlers: make(map[string]func(*transport.BaseJSONRPCNotification) error),
	}
}

// Connect attaches to the given transport, installs the message handlers and
// starts it.
func (p *Protocol) Connect(tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(func() {
		p.handleClose()
	})
	tr.SetErrorHandler(func(err error) {
		p.handleError(err)
	})
	tr.SetMessageHandler(func(message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.handleResponse(message.JsonRpcResponse)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(message.JsonRpcRequest)
		}
	})

	return tr.Start(context.Background())
}

// Close closes the underlying transport. Pending requests fail with
// ErrConnectionClosed.
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for the correlated response. The
// returned bytes are the raw result payload; a peer-reported error is
// returned as *RPCError.
func (p *Protocol) Request(ctx context.Context, method string, params interface{}, opts *RequestOptions) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}
	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Context == nil {
		opts.Context = ctx
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.requestMessageID++
	id := p.requestMessageID
	// Buffered so a response landing after the caller gave up is absorbed
	// and discarded instead of blocking the transport's read loop.
	ch := make(chan *responseEnvelope, 1)
	p.responseHandlers[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.responseHandlers, id)
		p.mu.Unlock()
	}()

	request := transport.BaseJSONRPCRequest{
		Id:      id,
		Jsonrpc: "2.0",
		Method:  method,
		Params:  rawParams,
	}
	if err := p.transport.Send(transport.NewBaseMessageRequest(request)); err != nil {
		return nil, errors.Wrapf(err, "failed to send request %q", method)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-opts.Context.Done():
		return nil, opts.Context.Err()
	case <-timer.C:
		return nil, errors.Wrapf(ErrRequestTimeout, "%q after %v", method, opts.Timeout)
	}
}

// Notification emits a one-way message that carries no id and expects no
// response.
func (p *Protocol) Notification(method string, params interface{}) error {
	if p.transport == nil {
		return errors.New("not connected")
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	notification := transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  rawParams,
	}
	return p.transport.Send(transport.NewBaseMessageNotification(notification))
}

// SetNotificationHandler registers a handler for an incoming notification
// method.
func (p *Protocol) SetNotificationHandler(method string, handler func(notification *transport.BaseJSONRPCNotification) error) {
	p.handlersMu.Lock()
	p.notificationHandlers[method] = handler
	p.handlersMu.Unlock()
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}
	return raw, nil
}

func (p *Protocol) handleResponse(response *transport.BaseJSONRPCResponse) {
	if response == nil {
		return
	}

	p.mu.Lock()
	ch, ok := p.responseHandlers[response.Id]
	if ok {
		delete(p.responseHandlers, response.Id)
	}
	p.mu.Unlock()

	if !ok {
		// Stale or unsolicited: the caller already gave up on this id.
		// Reading and dropping it here is what keeps the stream in sync
		// for the next request.
		return
	}

	envelope := &responseEnvelope{}
	if len(response.Error) > 0 {
		envelope.err = &RPCError{Payload: response.Error}
	} else {
		envelope.result = response.Result
	}
	ch <- envelope
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	if notification == nil {
		return
	}
	p.handlersMu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.handlersMu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(notification); err != nil {
		p.handleError(errors.Wrapf(err, "notification handler %q", notification.Method))
	}
}

// handleRequest covers the peer unexpectedly sending a request to this
// client-side session. There is nothing to serve, so answer method-not-found
// rather than leaving the peer waiting.
func (p *Protocol) handleRequest(request *transport.BaseJSONRPCRequest) {
	if request == nil {
		return
	}
	errorPayload, _ := json.Marshal(map[string]interface{}{
		"code":    -32601,
		"message": fmt.Sprintf("method not found: %s", request.Method),
	})
	response := transport.BaseJSONRPCResponse{
		Id:      request.Id,
		Jsonrpc: "2.0",
		Error:   errorPayload,
	}
	if err := p.transport.Send(transport.NewBaseMessageResponse(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send error response"))
	}
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, ch := range p.responseHandlers {
		ch <- &responseEnvelope{err: ErrConnectionClosed}
		delete(p.responseHandlers, id)
	}
	p.mu.Unlock()

	if p.OnClose != nil {
		p.OnClose()
	}
}

func (p *Protocol) handleError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

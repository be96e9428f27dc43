// Package stdio implements the newline-delimited JSON-RPC transport used to
// talk to a tool worker over its standard streams.
//
// Framing rules: every outgoing message is serialized as a single line of
// UTF-8 JSON terminated by '\n'. Incoming bytes arrive in arbitrary chunks;
// ReadBuffer accumulates them and cuts complete messages at newline
// boundaries. A candidate that does not parse as JSON is not discarded: it
// stays in the buffer and the candidate grows across subsequent newlines, so
// a worker that pretty-prints a message across several lines still gets it
// through once the closing newline arrives. Accumulation is capped; exceeding
// the cap without a successful parse is reported as ErrFramingOverflow rather
// than growing without bound.
package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge/transport"
)

// DefaultMaxBufferSize caps how much unparseable input the framer will
// accumulate before giving up on resynchronizing.
const DefaultMaxBufferSize = 10 * 1024

const readChunkSize = 4096

var (
	// ErrFramingOverflow is reported when the peer produced more than the
	// configured buffer limit without a single parseable message.
	ErrFramingOverflow = errors.New("framing overflow: no message boundary within buffer limit")

	// ErrPeerClosed is reported when the peer's output stream closed before
	// a complete message arrived.
	ErrPeerClosed = errors.New("peer closed its output stream")
)

// ReadBuffer buffers a continuous byte stream and cuts it into discrete
// JSON-RPC messages.
type ReadBuffer struct {
	mu      sync.Mutex
	buffer  []byte
	maxSize int
}

// NewReadBuffer creates a ReadBuffer with the given accumulation cap.
// maxSize <= 0 selects DefaultMaxBufferSize.
func NewReadBuffer(maxSize int) *ReadBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &ReadBuffer{maxSize: maxSize}
}

// Append adds a chunk of received data to the buffer.
func (rb *ReadBuffer) Append(chunk []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buffer = append(rb.buffer, chunk...)
}

// Len reports how many unconsumed bytes are currently buffered.
func (rb *ReadBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buffer)
}

// ReadMessage returns the next complete message, or nil if the buffered
// bytes do not yet contain one. On ErrFramingOverflow the buffered text is
// embedded in the error for diagnostics and the buffer is reset.
func (rb *ReadBuffer) ReadMessage() (*transport.BaseJsonRpcMessage, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := 0; i < len(rb.buffer); i++ {
		if rb.buffer[i] != '\n' {
			continue
		}
		candidate := bytes.TrimSpace(rb.buffer[:i])
		if len(candidate) == 0 {
			continue
		}
		msg, err := deserializeMessage(candidate)
		if err != nil {
			// Not parseable yet; keep accumulating past this newline.
			continue
		}
		rb.buffer = append([]byte(nil), rb.buffer[i+1:]...)
		return msg, nil
	}

	if len(rb.buffer) > rb.maxSize {
		partial := string(rb.buffer)
		rb.buffer = nil
		return nil, errors.Wrapf(ErrFramingOverflow, "buffered %d bytes: %.256q", len(partial), partial)
	}
	return nil, nil
}

// Clear resets the buffer.
func (rb *ReadBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buffer = nil
}

// deserializeMessage classifies a single frame as request, notification or
// response by the presence of its id and method fields.
func deserializeMessage(line []byte) (*transport.BaseJsonRpcMessage, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal JSON-RPC message")
	}

	_, hasId := probe["id"]
	_, hasMethod := probe["method"]

	switch {
	case hasId && hasMethod:
		var request transport.BaseJSONRPCRequest
		if err := json.Unmarshal(line, &request); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal JSON-RPC request")
		}
		return transport.NewBaseMessageRequest(request), nil
	case hasId:
		var response transport.BaseJSONRPCResponse
		if err := json.Unmarshal(line, &response); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal JSON-RPC response")
		}
		return transport.NewBaseMessageResponse(response), nil
	case hasMethod:
		var notification transport.BaseJSONRPCNotification
		if err := json.Unmarshal(line, &notification); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal JSON-RPC notification")
		}
		return transport.NewBaseMessageNotification(notification), nil
	default:
		return nil, errors.New("message has neither id nor method")
	}
}

// serializeMessage renders a message as a single newline-terminated line.
func serializeMessage(message *transport.BaseJsonRpcMessage) ([]byte, error) {
	var payload interface{}
	switch message.Type {
	case transport.BaseMessageTypeJSONRPCRequestType:
		payload = message.JsonRpcRequest
	case transport.BaseMessageTypeJSONRPCNotificationType:
		payload = message.JsonRpcNotification
	case transport.BaseMessageTypeJSONRPCResponseType:
		payload = message.JsonRpcResponse
	default:
		return nil, errors.Errorf("unknown message type: %v", message.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal JSON-RPC message")
	}
	return append(raw, '\n'), nil
}

// StdioTransport implements transport.Transport over a (reader, writer) pair,
// typically a child process's stdout and stdin. All writes happen under a
// single mutex so two frames can never interleave on the wire.
type StdioTransport struct {
	reader     io.Reader
	writer     io.Writer
	readBuffer *ReadBuffer

	writeMu sync.Mutex

	mu             sync.RWMutex
	started        bool
	closed         bool
	closeHandler   func()
	errorHandler   func(error)
	messageHandler func(*transport.BaseJsonRpcMessage)
}

// NewStdioTransport creates a transport over the given streams with the
// default framing cap. For a worker child process, pass the child's stdout
// as reader and its stdin as writer.
func NewStdioTransport(reader io.Reader, writer io.Writer) *StdioTransport {
	return NewStdioTransportWithLimit(reader, writer, DefaultMaxBufferSize)
}

// NewStdioTransportWithLimit creates a transport with an explicit framing
// accumulation cap in bytes.
func NewStdioTransportWithLimit(reader io.Reader, writer io.Writer, maxBuffer int) *StdioTransport {
	return &StdioTransport{
		reader:     reader,
		writer:     writer,
		readBuffer: NewReadBuffer(maxBuffer),
	}
}

// Start launches the read loop. Handlers must already be installed.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport is closed")
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	go t.readLoop(ctx)
	return nil
}

// Send writes a single framed message.
func (t *StdioTransport) Send(message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return errors.New("transport is closed")
	}
	t.mu.RUnlock()

	line, err := serializeMessage(message)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(line); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// Close marks the transport closed and fires the close handler. The read
// loop exits on its next read or when the underlying streams are closed by
// their owner.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handler := t.closeHandler
	t.closeHandler = nil
	t.mu.Unlock()

	if closer, ok := t.reader.(io.Closer); ok {
		_ = closer.Close()
	}
	if closer, ok := t.writer.(io.Closer); ok {
		_ = closer.Close()
	}

	if handler != nil {
		handler()
	}
	return nil
}

func (t *StdioTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	t.closeHandler = handler
	t.mu.Unlock()
}

func (t *StdioTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	t.errorHandler = handler
	t.mu.Unlock()
}

func (t *StdioTransport) SetMessageHandler(handler func(*transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			t.Close()
			return
		default:
		}

		t.mu.RLock()
		closed := t.closed
		t.mu.RUnlock()
		if closed {
			return
		}

		n, err := t.reader.Read(buf)
		if n > 0 {
			t.readBuffer.Append(buf[:n])
			t.dispatchBuffered()
		}
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			switch {
			case closed:
				// Close tore the streams down under us; not a peer failure.
			case err == io.EOF || errors.Is(err, io.ErrClosedPipe):
				if t.readBuffer.Len() > 0 {
					t.handleError(errors.Wrapf(ErrPeerClosed, "with %d bytes of incomplete input", t.readBuffer.Len()))
				}
			default:
				t.handleError(errors.Wrap(err, "read error"))
			}
			t.Close()
			return
		}
	}
}

func (t *StdioTransport) dispatchBuffered() {
	for {
		msg, err := t.readBuffer.ReadMessage()
		if err != nil {
			t.handleError(err)
			return
		}
		if msg == nil {
			return
		}
		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (t *StdioTransport) handleError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

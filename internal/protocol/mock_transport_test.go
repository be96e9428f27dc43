package protocol

import (
	"context"
	"sync"

	"github.com/verbrio/sumbridge/transport"
)

// mockTransport records sent messages and lets tests inject peer messages
// through the installed message handler.
type mockTransport struct {
	mu             sync.Mutex
	started        bool
	closed         bool
	sent           []*transport.BaseJsonRpcMessage
	closeHandler   func()
	errorHandler   func(error)
	messageHandler func(*transport.BaseJsonRpcMessage)

	// onSend, when set, runs synchronously for every sent message.
	onSend func(*transport.BaseJsonRpcMessage)
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (t *mockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *mockTransport) Send(message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	t.sent = append(t.sent, message)
	onSend := t.onSend
	t.mu.Unlock()
	if onSend != nil {
		onSend(message)
	}
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (t *mockTransport) SetCloseHandler(handler func())      { t.closeHandler = handler }
func (t *mockTransport) SetErrorHandler(handler func(error)) { t.errorHandler = handler }
func (t *mockTransport) SetMessageHandler(handler func(*transport.BaseJsonRpcMessage)) {
	t.messageHandler = handler
}

// deliver injects a message as if it arrived from the peer.
func (t *mockTransport) deliver(message *transport.BaseJsonRpcMessage) {
	t.mu.Lock()
	handler := t.messageHandler
	t.mu.Unlock()
	if handler != nil {
		handler(message)
	}
}

func (t *mockTransport) sentMessages() []*transport.BaseJsonRpcMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*transport.BaseJsonRpcMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

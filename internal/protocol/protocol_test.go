package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge/transport"
)

func respond(tr *mockTransport, id transport.RequestId, result string) {
	tr.deliver(transport.NewBaseMessageResponse(transport.BaseJSONRPCResponse{
		Id:      id,
		Jsonrpc: "2.0",
		Result:  json.RawMessage(result),
	}))
}

func connected(t *testing.T) (*Protocol, *mockTransport) {
	t.Helper()
	p := NewProtocol()
	tr := newMockTransport()
	if err := p.Connect(tr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return p, tr
}

func TestRequestIdsStartAtOneAndIncrement(t *testing.T) {
	p, tr := connected(t)

	tr.onSend = func(msg *transport.BaseJsonRpcMessage) {
		if msg.Type == transport.BaseMessageTypeJSONRPCRequestType {
			go respond(tr, msg.JsonRpcRequest.Id, `{}`)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Request(context.Background(), "tools/list", nil, nil); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	sent := tr.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 sent messages, got %d", len(sent))
	}
	for i, msg := range sent {
		want := transport.RequestId(i + 1)
		if got := msg.JsonRpcRequest.Id; got != want {
			t.Errorf("request %d has id %d, want %d", i, got, want)
		}
	}
}

func TestOutOfOrderResponsesCorrelateById(t *testing.T) {
	p, tr := connected(t)

	var mu sync.Mutex
	pending := make(map[string]transport.RequestId)
	tr.onSend = func(msg *transport.BaseJsonRpcMessage) {
		if msg.Type == transport.BaseMessageTypeJSONRPCRequestType {
			mu.Lock()
			pending[msg.JsonRpcRequest.Method] = msg.JsonRpcRequest.Id
			mu.Unlock()
		}
	}

	type outcome struct {
		method string
		raw    json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, method := range []string{"first", "second"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := p.Request(context.Background(), method, nil, nil)
			results <- outcome{method: method, raw: raw, err: err}
		}(method)
	}

	// Wait for both requests to go out, then answer in reverse order.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(pending)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("requests never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	respond(tr, pending["second"], `"for second"`)
	respond(tr, pending["first"], `"for first"`)
	mu.Unlock()
	wg.Wait()
	close(results)

	for result := range results {
		if result.err != nil {
			t.Fatalf("%s failed: %v", result.method, result.err)
		}
		want := `"for ` + result.method + `"`
		if string(result.raw) != want {
			t.Errorf("%s got %s, want %s", result.method, result.raw, want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	p, _ := connected(t)

	start := time.Now()
	_, err := p.Request(context.Background(), "tools/call", nil, &RequestOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

// A response for a request whose caller already gave up must be dropped, and
// must never be delivered to a later request.
func TestStaleResponseDoesNotLeakIntoNextRequest(t *testing.T) {
	p, tr := connected(t)

	_, err := p.Request(context.Background(), "slow", nil, &RequestOptions{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// The stale answer for id 1 arrives now.
	respond(tr, 1, `"stale"`)

	tr.onSend = func(msg *transport.BaseJsonRpcMessage) {
		if msg.Type == transport.BaseMessageTypeJSONRPCRequestType {
			go respond(tr, msg.JsonRpcRequest.Id, `"fresh"`)
		}
	}
	raw, err := p.Request(context.Background(), "fast", nil, nil)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if string(raw) != `"fresh"` {
		t.Fatalf("second request got %s, want \"fresh\"", raw)
	}
}

func TestContextCancellationAbandonsRequest(t *testing.T) {
	p, _ := connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Request(ctx, "tools/call", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorResponseBecomesRPCError(t *testing.T) {
	p, tr := connected(t)

	tr.onSend = func(msg *transport.BaseJsonRpcMessage) {
		if msg.Type == transport.BaseMessageTypeJSONRPCRequestType {
			go tr.deliver(transport.NewBaseMessageResponse(transport.BaseJSONRPCResponse{
				Id:      msg.JsonRpcRequest.Id,
				Jsonrpc: "2.0",
				Error:   json.RawMessage(`{"code":-32602,"message":"bad params"}`),
			}))
		}
	}

	_, err := p.Request(context.Background(), "tools/call", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if want := `{"code":-32602,"message":"bad params"}`; string(rpcErr.Payload) != want {
		t.Errorf("payload %s, want %s", rpcErr.Payload, want)
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	p, _ := connected(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "tools/call", nil, nil)
		done <- err
	}()

	// Let the request register, then close underneath it.
	time.Sleep(20 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}

	if _, err := p.Request(context.Background(), "tools/call", nil, nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("request after close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestNotificationCarriesNoId(t *testing.T) {
	p, tr := connected(t)

	if err := p.Notification("notifications/initialized", nil); err != nil {
		t.Fatalf("Notification failed: %v", err)
	}

	sent := tr.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].Type != transport.BaseMessageTypeJSONRPCNotificationType {
		t.Fatalf("expected notification, got %s", sent[0].Type)
	}
}

func TestNotificationHandlerDispatch(t *testing.T) {
	p, tr := connected(t)

	got := make(chan string, 1)
	p.SetNotificationHandler("progress", func(n *transport.BaseJSONRPCNotification) error {
		got <- string(n.Params)
		return nil
	})

	tr.deliver(transport.NewBaseMessageNotification(transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "progress",
		Params:  json.RawMessage(`{"pct":50}`),
	}))

	select {
	case params := <-got:
		if params != `{"pct":50}` {
			t.Errorf("params %s", params)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never called")
	}
}

func TestIncomingRequestAnsweredMethodNotFound(t *testing.T) {
	_, tr := connected(t)

	tr.deliver(transport.NewBaseMessageRequest(transport.BaseJSONRPCRequest{
		Id:      9,
		Jsonrpc: "2.0",
		Method:  "sampling/createMessage",
	}))

	sent := tr.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	response := sent[0].JsonRpcResponse
	if response == nil || response.Id != 9 {
		t.Fatalf("expected response for id 9, got %+v", sent[0])
	}
	if len(response.Error) == 0 {
		t.Fatal("expected an error payload")
	}
}

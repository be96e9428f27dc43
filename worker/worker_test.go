package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbrio/sumbridge"
	"github.com/verbrio/sumbridge/transport/stdio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// servedClient wires a Server and a Client together over in-process pipes,
// exactly as they would meet across a child process boundary.
func servedClient(t *testing.T, register func(*Server)) *sumbridge.Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	srv := NewServer(stdio.NewStdioTransport(serverReader, serverWriter), discardLogger())
	if register != nil {
		register(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	client := sumbridge.NewClient(stdio.NewStdioTransport(clientReader, clientWriter))
	require.NoError(t, client.Initialize(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServeHandshake(t *testing.T) {
	client := servedClient(t, nil)

	require.NotNil(t, client.ServerInfo())
	assert.Equal(t, serverName, client.ServerInfo().Name)
}

func TestServeToolsListAndCall(t *testing.T) {
	client := servedClient(t, func(srv *Server) {
		type pingArgs struct {
			Payload string `json:"payload" jsonschema:"required,description=Text to echo back"`
		}
		err := srv.RegisterTool("ping", "Echoes the payload.", pingArgs{},
			func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args pingArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", err
				}
				return "pong: " + args.Payload, nil
			})
		require.NoError(t, err)
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Contains(t, tools, "ping")
	assert.Equal(t, "Echoes the payload.", tools["ping"].Description)
	assert.Equal(t, "object", tools["ping"].InputSchema.Type)
	assert.Contains(t, tools["ping"].InputSchema.Properties, "payload")

	text, err := client.CallTool(context.Background(), "ping", map[string]interface{}{"payload": "hello"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong: hello", text)
}

func TestServeToolErrorBecomesErrorResult(t *testing.T) {
	client := servedClient(t, func(srv *Server) {
		err := srv.RegisterTool("broken", "Always fails.", nil,
			func(ctx context.Context, raw json.RawMessage) (string, error) {
				return "", assert.AnError
			})
		require.NoError(t, err)
	})

	// Worker failures travel as error results, not protocol errors: the
	// call itself succeeds and the text carries the failure.
	text, err := client.CallTool(context.Background(), "broken", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, text, "Error:")
}

func TestServeUnknownTool(t *testing.T) {
	client := servedClient(t, nil)

	text, err := client.CallTool(context.Background(), "nope", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, text, "Tool call failed:")
	assert.Contains(t, text, "unknown tool")
}

func TestRegisterToolRejectsDuplicates(t *testing.T) {
	srv := NewServer(stdio.NewStdioTransport(strings.NewReader(""), io.Discard), discardLogger())

	handler := func(ctx context.Context, raw json.RawMessage) (string, error) { return "", nil }
	require.NoError(t, srv.RegisterTool("dup", "first", nil, handler))
	assert.Error(t, srv.RegisterTool("dup", "second", nil, handler))
}

func TestToolsListPreservesRegistrationOrder(t *testing.T) {
	client := servedClient(t, func(srv *Server) {
		handler := func(ctx context.Context, raw json.RawMessage) (string, error) { return "", nil }
		require.NoError(t, srv.RegisterTool("zeta", "", nil, handler))
		require.NoError(t, srv.RegisterTool("alpha", "", nil, handler))
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestReflectInputSchema(t *testing.T) {
	schema, err := reflectInputSchema(summarizeWebsiteArgs{})
	require.NoError(t, err)

	assert.Equal(t, "object", schema.Type)
	require.Contains(t, schema.Properties, "url")
	assert.Equal(t, "string", schema.Properties["url"].Type)
	assert.Contains(t, schema.Properties["url"].Description, "URL")
	assert.Contains(t, schema.Required, "url")
}

func TestReflectInputSchemaArrayField(t *testing.T) {
	schema, err := reflectInputSchema(saveSummaryArgs{})
	require.NoError(t, err)

	require.Contains(t, schema.Properties, "tags")
	tags := schema.Properties["tags"]
	assert.Equal(t, "array", tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, "string", tags.Items.Type)
}

func TestReflectInputSchemaNilPrototype(t *testing.T) {
	schema, err := reflectInputSchema(nil)
	require.NoError(t, err)
	assert.Equal(t, "object", schema.Type)
	assert.Empty(t, schema.Properties)
}

func TestContentItemMarshalInjectsType(t *testing.T) {
	raw, err := json.Marshal(newCallToolResult("hello"))
	require.NoError(t, err)

	assert.JSONEq(t, `{"content":[{"type":"text","text":"hello"}]}`, string(raw))
}

func TestCallToolErrorMarshal(t *testing.T) {
	raw, err := json.Marshal(newCallToolError(assert.AnError))
	require.NoError(t, err)

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.IsError)
	require.Len(t, decoded.Content, 1)
	assert.Contains(t, decoded.Content[0].Text, "Error:")
}

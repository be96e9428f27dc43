package worker

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
)

// TextContent is the text payload of a tool result element.
type TextContent struct {
	Text string `json:"text"`
}

// ContentItem is one element of a tool result's content sequence. Only text
// content is produced by this worker.
type ContentItem struct {
	TextContent *TextContent
}

// MarshalJSON injects the wire-level type discriminator next to the payload
// fields.
func (c ContentItem) MarshalJSON() ([]byte, error) {
	if c.TextContent == nil {
		return nil, errors.New("content item has no payload")
	}
	raw, err := json.Marshal(c.TextContent)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(raw, "type", "text")
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func newCallToolResult(text string) CallToolResult {
	return CallToolResult{
		Content: []ContentItem{{TextContent: &TextContent{Text: text}}},
	}
}

func newCallToolError(err error) CallToolResult {
	return CallToolResult{
		Content: []ContentItem{{TextContent: &TextContent{Text: "Error: " + err.Error()}}},
		IsError: true,
	}
}

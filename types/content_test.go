package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlock_MarshalPerVariant(t *testing.T) {
	tests := []struct {
		name  string
		block ContentBlock
		want  string
	}{
		{"text", NewTextBlock("hi"), `{"type":"text","text":"hi"}`},
		{"text cached", ContentBlock{Type: BlockText, Text: "hi", CacheControl: Ephemeral(CacheTTL1h)},
			`{"type":"text","text":"hi","cache_control":{"type":"ephemeral","ttl":"1h"}}`},
		{"image", NewImageBlock("image/png", "aGk="),
			`{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}`},
		{"tool_use empty input", NewToolUseBlock("tu_1", "calc", nil),
			`{"type":"tool_use","id":"tu_1","name":"calc","input":{}}`},
		{"tool_result", NewToolResultBlock("tu_1", "42", false),
			`{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"42"}]}`},
		{"tool_result error", NewToolResultBlock("tu_1", "", true),
			`{"type":"tool_result","tool_use_id":"tu_1","is_error":true}`},
		{"thinking", NewThinkingBlock("hmm", "sig"), `{"type":"thinking","thinking":"hmm","signature":"sig"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.block)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestContentBlock_RoundTripLaw(t *testing.T) {
	inputs := []string{
		`{"type":"text","text":"hello"}`,
		`{"type":"text","text":"x","cache_control":{"type":"ephemeral","ttl":"5m"}}`,
		`{"type":"image","source":{"type":"url","url":"https://example.com/a.png"}}`,
		`{"type":"tool_use","id":"toolu_1","name":"get_weather","input": { "city" : "Paris", "days": [1, 2] }}`,
		`{"type":"tool_result","tool_use_id":"toolu_1","content":"sunny"}`,
		`{"type":"tool_result","tool_use_id":"toolu_1","content":[{"type":"text","text":"a"},{"type":"image","source":{"type":"base64","media_type":"image/gif","data":"R0lG"}}],"is_error":true}`,
		`{"type":"thinking","thinking":"let me see","signature":"EqQB"}`,
		`{"type":"server_tool_use","id":"srv_1","name":"web_search","input":{}}`,
	}
	for _, in := range inputs {
		var first ContentBlock
		require.NoError(t, json.Unmarshal([]byte(in), &first), in)

		out, err := json.Marshal(first)
		require.NoError(t, err, in)

		var second ContentBlock
		require.NoError(t, json.Unmarshal(out, &second), in)
		assert.Equal(t, first, second, in)
	}
}

func TestContentBlock_LenientIgnoresUnknownFields(t *testing.T) {
	var b ContentBlock
	require.NoError(t, json.Unmarshal([]byte(`{"type":"text","text":"a","citations":[]}`), &b))
	assert.Equal(t, "a", b.Text)
}

func TestContentBlock_StrictRejectsUnknownFields(t *testing.T) {
	var b ContentBlock
	err := b.decode([]byte(`{"type":"text","text":"a","bogus":1}`), true)
	assert.Error(t, err)

	err = b.decode([]byte(`{"type":"mystery"}`), true)
	assert.Error(t, err)
}

func TestContentBlock_MissingType(t *testing.T) {
	var b ContentBlock
	assert.Error(t, json.Unmarshal([]byte(`{"text":"a"}`), &b))
}

func TestContentBlock_Validate(t *testing.T) {
	assert.NoError(t, NewTextBlock("x").Validate())
	assert.NoError(t, NewToolUseBlock("id", "n", json.RawMessage(`{"a":1}`)).Validate())
	assert.Error(t, NewToolUseBlock("id", "n", json.RawMessage(`[1]`)).Validate())
	assert.Error(t, NewToolUseBlock("", "n", nil).Validate())
	assert.Error(t, ContentBlock{Type: BlockImage}.Validate())
	assert.Error(t, ContentBlock{Type: BlockImage, Source: &ImageSource{Type: "base64"}}.Validate())
	assert.Error(t, ContentBlock{Type: BlockToolResult}.Validate())
	assert.Error(t, ContentBlock{Type: BlockText, CacheControl: &CacheControl{Type: "ephemeral", TTL: "2h"}}.Validate())
	assert.Error(t, ContentBlock{Type: BlockToolResult, ToolUseID: "t",
		Content: []ContentBlock{NewToolUseBlock("a", "b", nil)}}.Validate())
}

func TestContentBlock_Clone(t *testing.T) {
	orig := ContentBlock{Type: BlockToolResult, ToolUseID: "t", Content: []ContentBlock{NewTextBlock("a")}}
	c := orig.Clone()
	c.Content[0].Text = "changed"

	assert.Equal(t, "a", orig.Content[0].Text)
}

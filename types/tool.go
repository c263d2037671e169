package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)

// Tool describes an operation the model may call.
type Tool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *CacheControl  `json:"cache_control,omitempty"`
}

// Validate checks the tool name and that InputSchema is a valid JSON schema
// describing an object.
func (t Tool) Validate() error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("tool %q: name must match %s", t.Name, toolNamePattern)
	}
	if t.InputSchema == nil {
		return fmt.Errorf("tool %q: input_schema is required", t.Name)
	}
	if typ, ok := t.InputSchema["type"]; ok && typ != "object" {
		return fmt.Errorf("tool %q: input_schema type must be \"object\", got %v", t.Name, typ)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema)); err != nil {
		return fmt.Errorf("tool %q: invalid input_schema: %w", t.Name, err)
	}
	return t.CacheControl.Validate()
}

// ValidateInput validates a tool_use input against the tool's schema.
func (t Tool) ValidateInput(input json.RawMessage) error {
	if len(input) == 0 {
		input = emptyObject
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %q: invalid input_schema: %w", t.Name, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return fmt.Errorf("tool %q: input is not valid JSON: %w", t.Name, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("tool %q: input does not match schema: %s", t.Name, strings.Join(msgs, "; "))
}

// ToolChoiceType selects how the model uses tools.
type ToolChoiceType string

// Tool choice modes.
const (
	ToolChoiceTypeAuto ToolChoiceType = "auto"
	ToolChoiceTypeAny  ToolChoiceType = "any"
	ToolChoiceTypeTool ToolChoiceType = "tool"
)

// ToolChoice is one of auto, any or a specific tool by name.
type ToolChoice struct {
	Type                   ToolChoiceType `json:"type"`
	Name                   string         `json:"name,omitempty"`
	DisableParallelToolUse bool           `json:"disable_parallel_tool_use,omitempty"`
}

// ToolChoiceAuto lets the model decide whether to call a tool.
func ToolChoiceAuto() *ToolChoice {
	return &ToolChoice{Type: ToolChoiceTypeAuto}
}

// ToolChoiceAny forces the model to call some tool.
func ToolChoiceAny() *ToolChoice {
	return &ToolChoice{Type: ToolChoiceTypeAny}
}

// ToolChoiceTool forces the model to call the named tool.
func ToolChoiceTool(name string) *ToolChoice {
	return &ToolChoice{Type: ToolChoiceTypeTool, Name: name}
}

// Validate checks that exactly one choice is expressed and that it refers to
// a declared tool.
func (c *ToolChoice) Validate(tools []Tool) error {
	if c == nil {
		return nil
	}
	if len(tools) == 0 {
		return fmt.Errorf("tool_choice requires at least one tool")
	}
	switch c.Type {
	case ToolChoiceTypeAuto, ToolChoiceTypeAny:
		if c.Name != "" {
			return fmt.Errorf("tool_choice %q must not name a tool", c.Type)
		}
		return nil
	case ToolChoiceTypeTool:
		if c.Name == "" {
			return fmt.Errorf("tool_choice \"tool\" requires a name")
		}
		for _, t := range tools {
			if t.Name == c.Name {
				return nil
			}
		}
		return fmt.Errorf("tool_choice names unknown tool %q", c.Name)
	default:
		return fmt.Errorf("tool_choice: unsupported type %q", c.Type)
	}
}

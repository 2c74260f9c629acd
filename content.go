package acp

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is a tagged union for the fragments that make up a prompt or
// an agent message (spec §3, §6): text, image, audio, or an embedded
// resource. The marker method plus a wrapper type mirrors the teacher's
// FileChangeWrapper/ThreadItemWrapper pattern: each variant marshals itself
// with an explicit "type" discriminator, and ContentBlockWrapper's
// UnmarshalJSON switches on that field to decode into the concrete type.
type ContentBlock interface {
	contentBlock()
}

// ContentBlockWrapper wraps a ContentBlock for JSON marshaling/unmarshaling
// inside slices (prompts are `[]ContentBlockWrapper`, never bare
// `[]ContentBlock`, since the interface alone cannot unmarshal).
type ContentBlockWrapper struct {
	Value ContentBlock
}

func (w ContentBlockWrapper) MarshalJSON() ([]byte, error) {
	if w.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.Value)
}

func (w *ContentBlockWrapper) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case "text":
		var v TextContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "image":
		var v ImageContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "audio":
		var v AudioContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "resource":
		var v ResourceContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	default:
		return fmt.Errorf("content block: unknown type %q", probe.Type)
	}
	return nil
}

// TextContent is a plain-text content block.
type TextContent struct {
	Text string `json:"text"`
}

func (*TextContent) contentBlock() {}

func (c *TextContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: c.Text})
}

// ImageContent is an inline base64-encoded image block.
type ImageContent struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	URI      string `json:"uri,omitempty"`
}

func (*ImageContent) contentBlock() {}

func (c *ImageContent) MarshalJSON() ([]byte, error) {
	type alias ImageContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "image", alias: alias(*c)})
}

// AudioContent is an inline base64-encoded audio block.
type AudioContent struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (*AudioContent) contentBlock() {}

func (c *AudioContent) MarshalJSON() ([]byte, error) {
	type alias AudioContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "audio", alias: alias(*c)})
}

// ResourceContent embeds or references an external resource (e.g. a file
// attachment identified by URI, per spec §4.6's attachments capability).
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (*ResourceContent) contentBlock() {}

func (c *ResourceContent) MarshalJSON() ([]byte, error) {
	type alias ResourceContent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "resource", alias: alias(*c)})
}

// ToolCallOutput is a tagged union for a completed tool call's output (spec
// §3: "text, unified diff, or terminal result").
type ToolCallOutput interface {
	toolCallOutput()
}

// ToolCallOutputWrapper wraps a ToolCallOutput for JSON marshaling.
type ToolCallOutputWrapper struct {
	Value ToolCallOutput
}

func (w ToolCallOutputWrapper) MarshalJSON() ([]byte, error) {
	if w.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.Value)
}

func (w *ToolCallOutputWrapper) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "text":
		var v TextOutput
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "diff":
		var v DiffOutput
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	case "terminal":
		var v TerminalOutput
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = &v
	default:
		return fmt.Errorf("tool call output: unknown type %q", probe.Type)
	}
	return nil
}

// TextOutput is a plain-text tool call result.
type TextOutput struct {
	Text string `json:"text"`
}

func (*TextOutput) toolCallOutput() {}

func (o *TextOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: o.Text})
}

// DiffHunk is one hunk of a unified diff.
type DiffHunk struct {
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Lines    string `json:"lines"`
}

// DiffOutput is a unified-diff tool call result (an edit tool call's output).
type DiffOutput struct {
	Path  string     `json:"path"`
	Hunks []DiffHunk `json:"hunks"`
}

func (*DiffOutput) toolCallOutput() {}

func (o *DiffOutput) MarshalJSON() ([]byte, error) {
	type alias DiffOutput
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "diff", alias: alias(*o)})
}

// TerminalOutput is a command-execution tool call result.
type TerminalOutput struct {
	Command  string `json:"command"`
	ExitCode *int   `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (*TerminalOutput) toolCallOutput() {}

func (o *TerminalOutput) MarshalJSON() ([]byte, error) {
	type alias TerminalOutput
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: "terminal", alias: alias(*o)})
}

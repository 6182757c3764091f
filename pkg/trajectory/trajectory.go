// Package trajectory converts a run's stored trajectory into the shapes
// consumed by the policies: language-model history for the impersonator
// and a plain two-role transcript for reviewers.
package trajectory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/store"
)

// Transcript speaker labels.
const (
	SpeakerUser   = "USER"
	SpeakerSystem = "SYSTEM"
)

// screenshotMediaType is the media type of browser-test screenshots.
const screenshotMediaType = "image/png"

// ToolOutput is the structured content of a website test entry.
type ToolOutput struct {
	Result string `json:"result"`
	// Screenshot is the base64 encoded image, if one was taken.
	Screenshot string `json:"screenshot,omitempty"`
	// ScreenshotRef is the artifact key of the archived screenshot.
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
}

// EncodeToolOutput serialises a website test result for the trajectory.
func EncodeToolOutput(out ToolOutput) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding tool output: %w", err)
	}

	return string(data), nil
}

// DecodeToolOutput parses content written by EncodeToolOutput. Plain text
// content, such as a chat response, reports ok == false.
func DecodeToolOutput(content string) (ToolOutput, bool) {
	var out ToolOutput

	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return out, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return out, false
	}

	if _, ok := probe["result"]; !ok {
		return out, false
	}

	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return ToolOutput{}, false
	}

	return out, true
}

// History maps trajectory entries onto language-model messages from the
// impersonator's point of view: its own outputs are assistant turns and
// tool outputs are user turns. Screenshots become image parts.
func History(msgs []store.TrajectoryMessage) []llm.Message {
	history := make([]llm.Message, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case store.RoleImpersonator:
			history = append(history, llm.Message{
				Role:    llm.RoleAssistant,
				Content: m.Content,
			})
		case store.RoleToolOutput:
			history = append(history, ToolMessage(m.Content))
		}
	}

	return history
}

// ToolMessage maps tool output content onto a user message, attaching the
// screenshot if there is one.
func ToolMessage(content string) llm.Message {
	out, ok := DecodeToolOutput(content)
	if !ok {
		return llm.Message{Role: llm.RoleUser, Content: content}
	}

	msg := llm.Message{Role: llm.RoleUser, Content: out.Result}

	if out.Screenshot != "" {
		msg.Images = []llm.Image{{MediaType: screenshotMediaType, Data: out.Screenshot}}
	}

	return msg
}

// Transcript renders the trajectory as text with one block per entry.
// Screenshots are omitted.
func Transcript(msgs []store.TrajectoryMessage) string {
	var sb strings.Builder

	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}

		switch m.Role {
		case store.RoleImpersonator:
			sb.WriteString(SpeakerUser)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
		default:
			text := m.Content
			if out, ok := DecodeToolOutput(m.Content); ok {
				text = out.Result
			}

			sb.WriteString(SpeakerSystem)
			sb.WriteString(": ")
			sb.WriteString(text)
		}
	}

	return sb.String()
}

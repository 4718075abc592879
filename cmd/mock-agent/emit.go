package main

import (
	"encoding/json"
	"fmt"
)

const mockModel = "mock-default"

func (a *agent) nextToolID() string {
	a.toolCounter++
	return fmt.Sprintf("mock_tool_%04d", a.toolCounter)
}

func (a *agent) emitSystem() {
	_ = a.enc.Encode(systemMsg{
		Type:          typeSystem,
		SessionID:     a.sessionID,
		SessionStatus: "active",
	})
}

func (a *agent) emitThinking(thought string) {
	_ = a.enc.Encode(assistantMsg{
		Type: typeAssistant,
		Message: assistantBody{
			Role:    "assistant",
			Content: []contentBlock{{Type: blockThinking, Thinking: thought}},
			Model:   mockModel,
		},
	})
}

func (a *agent) emitText(text string) {
	_ = a.enc.Encode(assistantMsg{
		Type: typeAssistant,
		Message: assistantBody{
			Role:       "assistant",
			Content:    []contentBlock{{Type: blockText, Text: text}},
			Model:      mockModel,
			StopReason: "end_turn",
		},
	})
}

func (a *agent) emitToolUse(toolID, name string, input map[string]any) {
	_ = a.enc.Encode(assistantMsg{
		Type: typeAssistant,
		Message: assistantBody{
			Role:       "assistant",
			Content:    []contentBlock{{Type: blockToolUse, ID: toolID, Name: name, Input: input}},
			Model:      mockModel,
			StopReason: "tool_use",
		},
	})
}

func (a *agent) emitToolResult(toolID, content string, isError bool) {
	_ = a.enc.Encode(userMsg{
		Type: typeUser,
		Message: userMsgBody{
			Role: "user",
			Content: []contentBlock{{
				Type:      blockToolResult,
				ToolUseID: toolID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

func (a *agent) emitResult(isError bool, errText string) {
	var result json.RawMessage
	if isError {
		result, _ = json.Marshal(errText)
	} else {
		result, _ = json.Marshal(resultData{
			Text:      fmt.Sprintf("Turn %d done.", a.turn),
			SessionID: a.sessionID,
		})
	}
	_ = a.enc.Encode(resultMsg{
		Type:              typeResult,
		Result:            result,
		DurationMS:        100,
		IsError:           isError,
		NumTurns:          a.turn,
		TotalInputTokens:  1200,
		TotalOutputTokens: 350,
	})
}

// emitFixedResult ends the turn with an exact output string, bypassing the
// per-turn counter so repeated turns produce identical results.
func (a *agent) emitFixedResult(text string) {
	result, _ := json.Marshal(resultData{Text: text, SessionID: a.sessionID})
	_ = a.enc.Encode(resultMsg{
		Type:              typeResult,
		Result:            result,
		DurationMS:        100,
		IsError:           false,
		NumTurns:          a.turn,
		TotalInputTokens:  1200,
		TotalOutputTokens: 350,
	})
}

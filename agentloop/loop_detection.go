package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of input).
func toolCallSignature(call *ToolCall) string {
	input, err := json.Marshal(call.Input)
	if err != nil {
		input = nil
	}
	h := sha256.Sum256(input)
	return fmt.Sprintf("%s:%x", call.ToolName, h[:8])
}

// extractToolCallSignatures returns the signatures of the most recent tool
// calls in history, oldest first.
func extractToolCallSignatures(history []Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		msg := history[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for j := len(msg.Content) - 1; j >= 0 && len(sigs) < count; j-- {
			if part := msg.Content[j]; part.Kind == PartToolCall && part.ToolCall != nil {
				sigs = append(sigs, toolCallSignature(part.ToolCall))
			}
		}
	}
	slices.Reverse(sigs)
	return sigs
}

// DetectLoop checks if the last windowSize tool calls follow a repeating
// pattern of length 1, 2, or 3.
func DetectLoop(history []Message, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := extractToolCallSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}

	return false
}

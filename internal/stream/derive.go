package stream

import (
	"fmt"
	"strings"
)

// BrowserTab is one generated result page.
type BrowserTab struct {
	ID       string `json:"id"`
	ResultID string `json:"result_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// AgentMessage is the concatenation of every agent_message fragment sharing a message id.
type AgentMessage struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Fragments int    `json:"fragments"`
}

// DeriveTabs mints one tab per distinct resultId found in Codes entries, in arrival order.
// Re-deriving from the same logs always yields the same tabs.
func DeriveTabs(logs []LogEntry, previewBase string) []BrowserTab {
	base := strings.TrimRight(strings.TrimSpace(previewBase), "/")
	seen := map[string]struct{}{}
	tabs := make([]BrowserTab, 0)
	for _, entry := range logs {
		if entry.Type != TypeCodes {
			continue
		}
		codes, ok := entry.Content.(CodesContent)
		if !ok || codes.ResultID == "" {
			continue
		}
		if _, dup := seen[codes.ResultID]; dup {
			continue
		}
		seen[codes.ResultID] = struct{}{}
		url := codes.ResultID
		if base != "" {
			url = base + "/" + codes.ResultID
		}
		tabs = append(tabs, BrowserTab{
			ID:       "result-" + codes.ResultID,
			ResultID: codes.ResultID,
			Title:    fmt.Sprintf("Page %d", len(tabs)+1),
			URL:      url,
		})
	}
	return tabs
}

// MergeAgentMessages joins agent_message fragments by message_id, ordered by first
// appearance.
func MergeAgentMessages(logs []LogEntry) []AgentMessage {
	index := map[string]int{}
	merged := make([]AgentMessage, 0)
	for _, entry := range logs {
		agent, ok := entry.Content.(AgentContent)
		if !ok || agent.Event != agentMessageEvent || agent.MessageID == "" {
			continue
		}
		i, ok := index[agent.MessageID]
		if !ok {
			merged = append(merged, AgentMessage{MessageID: agent.MessageID})
			i = len(merged) - 1
			index[agent.MessageID] = i
		}
		merged[i].Text += agent.Answer
		merged[i].Fragments++
	}
	return merged
}

func (s Snapshot) Tabs(previewBase string) []BrowserTab {
	return DeriveTabs(s.Logs, previewBase)
}

func (s Snapshot) AgentMessages() []AgentMessage {
	return MergeAgentMessages(s.Logs)
}

// HTML returns the accumulated content of the Html entry with id.
func (s Snapshot) HTML(id string) (string, bool) {
	for i := len(s.Logs) - 1; i >= 0; i-- {
		entry := s.Logs[i]
		if entry.Type == TypeHTML && entry.ID == id {
			if html, ok := entry.Content.(HTMLContent); ok {
				return html.Text, true
			}
		}
	}
	return "", false
}

// Find returns the entries matching type and, when step is non-empty, step.
func (s Snapshot) Find(t Type, step string) []LogEntry {
	out := make([]LogEntry, 0)
	for _, entry := range s.Logs {
		if entry.Type != t {
			continue
		}
		if step != "" && entry.Step != step {
			continue
		}
		out = append(out, entry)
	}
	return out
}

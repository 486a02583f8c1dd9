// Package render derives display view models from reducer snapshots. Every function is
// pure; nothing here touches the network or mutates its input.
package render

import (
	"fmt"
	"strings"

	"github.com/websitelm/alternatively-gateway/internal/stream"
)

type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepActive  StepStatus = "active"
	StepPending StepStatus = "pending"
)

type Step struct {
	Number int        `json:"number"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
}

var stepLabels = []string{
	"Find competitors",
	"Select competitor",
	"Analyze competitor",
	"Generate page",
}

// Steps returns the four pipeline steps with their status for phase (1-based, 0 = none).
func Steps(phase int) []Step {
	steps := make([]Step, len(stepLabels))
	for i, label := range stepLabels {
		n := i + 1
		status := StepPending
		switch {
		case n < phase:
			status = StepDone
		case n == phase:
			status = StepActive
		}
		steps[i] = Step{Number: n, Label: label, Status: status}
	}
	return steps
}

type LogLine struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Step        string `json:"step,omitempty"`
	Title       string `json:"title"`
	Detail      string `json:"detail,omitempty"`
	CurrentStep int    `json:"current_step"`
	Timestamp   string `json:"timestamp"`
}

// Line summarises one log entry for the progress panel.
func Line(entry stream.LogEntry) LogLine {
	line := LogLine{
		ID:          entry.ID,
		Type:        string(entry.Type),
		Step:        entry.Step,
		CurrentStep: entry.CurrentStep,
		Timestamp:   entry.Timestamp,
	}
	switch c := entry.Content.(type) {
	case stream.HTMLContent:
		line.Title = "Writing page"
		line.Detail = fmt.Sprintf("%d characters", len(c.Text))
	case stream.CodesContent:
		line.Title = "Page ready"
		line.Detail = c.ResultID
	case stream.ColorContent:
		line.Title = "Color scheme extracted"
		line.Detail = c.Summary
	case stream.CrawlerContent:
		line.Title = crawlerTitle(entry.Type)
		line.Detail = fmt.Sprintf("%d item(s)", len(c.Items))
	case stream.AgentContent:
		line.Title = "Agent"
		line.Detail = c.Answer
		if c.Event != "" && c.Answer == "" {
			line.Detail = c.Event
		}
	case stream.StructuredContent:
		line.Title = stepTitle(entry)
		line.Detail = firstNonEmpty(c.String("message"), c.String("status"), textOf(c.Value))
	}
	if line.Title == "" {
		line.Title = string(entry.Type)
	}
	return line
}

func Lines(logs []stream.LogEntry) []LogLine {
	out := make([]LogLine, 0, len(logs))
	for _, entry := range logs {
		out = append(out, Line(entry))
	}
	return out
}

func crawlerTitle(t stream.Type) string {
	switch t {
	case stream.TypeCrawlerImages:
		return "Images collected"
	case stream.TypeCrawlerHeaders:
		return "Header collected"
	case stream.TypeCrawlerFooters:
		return "Footer collected"
	}
	return string(t)
}

func stepTitle(entry stream.LogEntry) string {
	switch entry.Step {
	case stream.StepCompetitorsResult:
		return "Competitor search"
	case stream.StepGenerationFinished:
		return "Generation finished"
	case "":
		return string(entry.Type)
	}
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(entry.Step, "_", " ")))
	if len(words) == 0 {
		return string(entry.Type)
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}

func textOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// View is everything a front-end needs to draw the task panel.
type View struct {
	Version       uint64                `json:"version"`
	Steps         []Step                `json:"steps"`
	Tabs          []stream.BrowserTab   `json:"tabs"`
	Logs          []LogLine             `json:"logs"`
	AgentMessages []stream.AgentMessage `json:"agent_messages"`
	Colors        *stream.ColorContent  `json:"colors,omitempty"`
	Streaming     bool                  `json:"streaming"`
}

func Build(snapshot stream.Snapshot, phase int, previewBase string) View {
	view := View{
		Version:       snapshot.Version,
		Steps:         Steps(phase),
		Tabs:          snapshot.Tabs(previewBase),
		Logs:          Lines(snapshot.Logs),
		AgentMessages: snapshot.AgentMessages(),
		Streaming:     snapshot.Streaming,
	}
	for i := len(snapshot.Logs) - 1; i >= 0; i-- {
		if colors, ok := snapshot.Logs[i].Content.(stream.ColorContent); ok {
			c := colors
			view.Colors = &c
			break
		}
	}
	return view
}

package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type Type string

const (
	TypeAgent          Type = "Agent"
	TypeAPI            Type = "API"
	TypeInfo           Type = "Info"
	TypeDify           Type = "Dify"
	TypeColor          Type = "Color"
	TypeHTML           Type = "Html"
	TypeCodes          Type = "Codes"
	TypeCrawlerImages  Type = "Crawler_Images"
	TypeCrawlerHeaders Type = "Crawler_Headers"
	TypeCrawlerFooters Type = "Crawler_Footers"
	TypeError          Type = "Error"
)

const (
	StepGenerationFinished  = "GENERATION_FINISHED"
	StepCompetitorsResult   = "GET_RESULT_COMPETITORS_SEMRUSH_API"
	StepPageGenerationAgent = "PAGE_GENERATION_AGENT"
)

const agentMessageEvent = "agent_message"

// ErrFatalEvent is returned once the feed has delivered an Error event. The connection
// carrying it must be closed and not retried.
var ErrFatalEvent = errors.New("fatal task error event")

func (t Type) IsCrawler() bool {
	return t == TypeCrawlerImages || t == TypeCrawlerHeaders || t == TypeCrawlerFooters
}

// Content is the type-specific payload of a LogEntry.
type Content interface {
	isContent()
}

type HTMLContent struct {
	Text string `json:"text"`
}

type ColorContent struct {
	PrimaryColor   string         `json:"primary_color,omitempty"`
	SecondaryColor string         `json:"secondary_color,omitempty"`
	ButtonColor    string         `json:"button_color,omitempty"`
	HeaderColor    string         `json:"header_color,omitempty"`
	FooterColor    string         `json:"footer_color,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

type CrawlerContent struct {
	Items []any `json:"items"`
}

type CodesContent struct {
	ResultID string         `json:"result_id"`
	Raw      map[string]any `json:"raw,omitempty"`
}

type ErrorContent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Raw     any    `json:"raw,omitempty"`
}

type AgentContent struct {
	Event     string         `json:"event,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// StructuredContent carries API, Info, Dify and unrecognised payloads verbatim.
type StructuredContent struct {
	Value any `json:"value"`
}

func (HTMLContent) isContent() {}
func (ColorContent) isContent() {}
func (CrawlerContent) isContent() {}
func (CodesContent) isContent() {}
func (ErrorContent) isContent() {}
func (AgentContent) isContent() {}
func (StructuredContent) isContent() {}

// String returns a string field of an object payload, or "" when absent.
func (c StructuredContent) String(key string) string {
	obj, ok := c.Value.(map[string]any)
	if !ok {
		return ""
	}
	return stringify(obj[key])
}

// Field returns a raw field of an object payload.
func (c StructuredContent) Field(key string) (any, bool) {
	obj, ok := c.Value.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[key]
	return v, ok
}

type LogEntry struct {
	ID          string
	Type        Type
	Content     Content
	Step        string
	Timestamp   string
	CurrentStep int
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID          string  `json:"id"`
		Type        Type    `json:"type"`
		Content     Content `json:"content"`
		Step        string  `json:"step,omitempty"`
		Timestamp   string  `json:"timestamp"`
		CurrentStep int     `json:"current_step"`
	}{e.ID, e.Type, e.Content, e.Step, e.Timestamp, e.CurrentStep})
}

// Structured returns the entry's content as StructuredContent when it is one.
func (e LogEntry) Structured() (StructuredContent, bool) {
	c, ok := e.Content.(StructuredContent)
	return c, ok
}

// Event is one decoded server-sent message.
type Event struct {
	Type      Type            `json:"type"`
	ID        ID              `json:"id"`
	Content   json.RawMessage `json:"content"`
	Step      string          `json:"step"`
	Timestamp string          `json:"timestamp"`
}

// ID accepts string, number or null ids on the wire.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) valid() bool {
	s := strings.TrimSpace(string(id))
	return s != "" && s != "undefined" && s != "null"
}

func decodeAny(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func decodeObject(raw json.RawMessage) map[string]any {
	switch v := decodeAny(raw).(type) {
	case map[string]any:
		return v
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return obj
		}
	}
	return nil
}

func decodeText(raw json.RawMessage) string {
	switch v := decodeAny(raw).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return stringify(v)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(stringify(obj[key])); s != "" {
			return s
		}
	}
	return ""
}

func decodeColor(raw json.RawMessage) ColorContent {
	obj := decodeObject(raw)
	if obj == nil {
		return ColorContent{Summary: decodeText(raw)}
	}
	return ColorContent{
		PrimaryColor:   firstString(obj, "primary_color", "primaryColor", "primary"),
		SecondaryColor: firstString(obj, "secondary_color", "secondaryColor", "secondary"),
		ButtonColor:    firstString(obj, "button_color", "buttonColor", "button"),
		HeaderColor:    firstString(obj, "header_color", "headerColor", "header"),
		FooterColor:    firstString(obj, "footer_color", "footerColor", "footer"),
		Summary:        firstString(obj, "summary", "description", "message"),
		Raw:            obj,
	}
}

func decodeCrawler(raw json.RawMessage) CrawlerContent {
	if items, ok := decodeAny(raw).([]any); ok {
		return CrawlerContent{Items: items}
	}
	return CrawlerContent{Items: []any{}}
}

func decodeCodes(raw json.RawMessage) CodesContent {
	obj := decodeObject(raw)
	if obj == nil {
		return CodesContent{ResultID: strings.TrimSpace(decodeText(raw))}
	}
	return CodesContent{
		ResultID: firstString(obj, "resultId", "result_id", "id"),
		Raw:      obj,
	}
}

func decodeError(raw json.RawMessage) ErrorContent {
	value := decodeAny(raw)
	switch v := value.(type) {
	case map[string]any:
		return ErrorContent{
			Message: firstString(v, "message", "error", "detail"),
			Code:    firstString(v, "code"),
			Raw:     v,
		}
	case nil:
		return ErrorContent{Message: "unknown error"}
	default:
		return ErrorContent{Message: stringify(v), Raw: v}
	}
}

// decodeAgent unwraps content.organic_data, which the server sends as a JSON string.
func decodeAgent(raw json.RawMessage) AgentContent {
	obj := decodeObject(raw)
	if obj == nil {
		return AgentContent{Answer: decodeText(raw)}
	}
	payload := obj
	if organic, ok := obj["organic_data"]; ok {
		switch o := organic.(type) {
		case string:
			var nested map[string]any
			if err := json.Unmarshal([]byte(o), &nested); err == nil {
				payload = nested
			}
		case map[string]any:
			payload = o
		}
	}
	return AgentContent{
		Event:     firstString(payload, "event"),
		MessageID: firstString(payload, "message_id", "messageId"),
		Answer:    stringify(payload["answer"]),
		Raw:       payload,
	}
}

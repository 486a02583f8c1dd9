package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func htmlEvent(id, chunk string) []byte {
	payload, _ := json.Marshal(map[string]any{"type": "Html", "id": id, "content": chunk})
	return payload
}

func mustHandle(t *testing.T, r *Reducer, raw string) {
	t.Helper()
	require.NoError(t, r.HandleMessage([]byte(raw)))
}

func counterIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
}

type pageRecorder struct {
	mu    sync.Mutex
	pages []Page
}

func (p *pageRecorder) PageCompleted(page Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, page)
}

func TestReducer_HTMLReassemblyIndependentOfChunking(t *testing.T) {
	doc := `<html><head><title>Acme vs Foo</title></head><body><h1>Why Acme</h1></body></html>`

	whole := NewReducer(nil)
	require.NoError(t, whole.HandleMessage(htmlEvent("s1", doc)))

	single := NewReducer(nil)
	for _, ch := range doc {
		require.NoError(t, single.HandleMessage(htmlEvent("s1", string(ch))))
	}

	uneven := NewReducer(nil)
	for i := 0; i < len(doc); i += 7 {
		end := i + 7
		if end > len(doc) {
			end = len(doc)
		}
		require.NoError(t, uneven.HandleMessage(htmlEvent("s1", doc[i:end])))
	}

	for _, r := range []*Reducer{whole, single, uneven} {
		snap := r.Snapshot()
		html, ok := snap.HTML("s1")
		require.True(t, ok)
		require.Equal(t, doc, html)
		require.Len(t, snap.Find(TypeHTML, ""), 1)
		require.True(t, snap.Streaming)
	}
}

func TestReducer_NewHTMLIDOpensNewStream(t *testing.T) {
	r := NewReducer(nil)
	require.NoError(t, r.HandleMessage(htmlEvent("a", "one")))
	require.NoError(t, r.HandleMessage(htmlEvent("a", "-two")))
	require.NoError(t, r.HandleMessage(htmlEvent("b", "fresh")))

	snap := r.Snapshot()
	first, _ := snap.HTML("a")
	second, _ := snap.HTML("b")
	require.Equal(t, "one-two", first)
	require.Equal(t, "fresh", second)
	require.Equal(t, "b", snap.CurrentHTMLID)
}

func TestReducer_IDLessHTMLAppendsToCurrent(t *testing.T) {
	r := NewReducer(nil, WithIDGenerator(counterIDs()))
	mustHandle(t, r, `{"type":"Html","content":"orphan"}`)
	require.NoError(t, r.HandleMessage(htmlEvent("", "-more")))

	snap := r.Snapshot()
	html, ok := snap.HTML("gen-1")
	require.True(t, ok)
	require.Equal(t, "orphan-more", html)
}

func TestReducer_CodesClosesStreamAndReportsPage(t *testing.T) {
	pages := &pageRecorder{}
	r := NewReducer(nil, WithPageSink(pages))
	require.NoError(t, r.HandleMessage(htmlEvent("s1", "<p>")))
	require.NoError(t, r.HandleMessage(htmlEvent("s1", "hi</p>")))
	mustHandle(t, r, `{"type":"Codes","id":"c1","content":{"resultId":"r1"}}`)

	snap := r.Snapshot()
	require.False(t, snap.Streaming)
	require.Empty(t, snap.CurrentHTMLID)
	require.Equal(t, []Page{{StreamID: "s1", ResultID: "r1", HTML: "<p>hi</p>"}}, pages.pages)

	// same id after close starts a fresh entry rather than extending the closed one
	require.NoError(t, r.HandleMessage(htmlEvent("s1", "again")))
	snap = r.Snapshot()
	require.Len(t, snap.Find(TypeHTML, ""), 2)
	latest, _ := snap.HTML("s1")
	require.Equal(t, "again", latest)
}

func TestReducer_IdempotentTabs(t *testing.T) {
	r := NewReducer(nil)
	codes := `{"type":"Codes","id":"c1","content":{"resultId":"r1"}}`
	mustHandle(t, r, codes)
	mustHandle(t, r, codes)
	mustHandle(t, r, `{"type":"Codes","id":"c2","content":{"resultId":"r2"}}`)

	snap := r.Snapshot()
	tabs := snap.Tabs("https://preview.example.com/")
	require.Equal(t, []BrowserTab{
		{ID: "result-r1", ResultID: "r1", Title: "Page 1", URL: "https://preview.example.com/r1"},
		{ID: "result-r2", ResultID: "r2", Title: "Page 2", URL: "https://preview.example.com/r2"},
	}, tabs)
	require.Equal(t, tabs, DeriveTabs(snap.Logs, "https://preview.example.com"))
}

func TestReducer_ColorIsOneEntry(t *testing.T) {
	r := NewReducer(nil)
	mustHandle(t, r, `{"type":"Color","id":"col","content":{"primaryColor":"#111","secondary_color":"#222","buttonColor":"#333","header_color":"#444","footerColor":"#555","summary":"dark theme"}}`)

	entries := r.Snapshot().Find(TypeColor, "")
	require.Len(t, entries, 1)
	color := entries[0].Content.(ColorContent)
	require.Equal(t, "#111", color.PrimaryColor)
	require.Equal(t, "#222", color.SecondaryColor)
	require.Equal(t, "#333", color.ButtonColor)
	require.Equal(t, "#444", color.HeaderColor)
	require.Equal(t, "#555", color.FooterColor)
	require.Equal(t, "dark theme", color.Summary)
}

func TestReducer_CrawlerNormalisation(t *testing.T) {
	r := NewReducer(nil, WithIDGenerator(counterIDs()))
	mustHandle(t, r, `{"type":"Crawler_Images","id":"img","content":[{"src":"a.png"}]}`)
	mustHandle(t, r, `{"type":"Crawler_Headers","content":{"not":"an array"}}`)
	mustHandle(t, r, `{"type":"Crawler_Footers","id":"undefined","content":null}`)

	logs := r.Snapshot().Logs
	require.Len(t, logs, 3)
	require.Equal(t, "img", logs[0].ID)
	require.Len(t, logs[0].Content.(CrawlerContent).Items, 1)
	require.Equal(t, "gen-1", logs[1].ID)
	require.Equal(t, []any{}, logs[1].Content.(CrawlerContent).Items)
	require.Equal(t, "gen-2", logs[2].ID)
	require.Equal(t, []any{}, logs[2].Content.(CrawlerContent).Items)
}

func TestReducer_AgentFragmentsMergeByMessageID(t *testing.T) {
	r := NewReducer(nil)
	frag := func(id, answer string) string {
		organic, _ := json.Marshal(map[string]string{"event": "agent_message", "message_id": id, "answer": answer})
		payload, _ := json.Marshal(map[string]any{"type": "Agent", "content": map[string]string{"organic_data": string(organic)}})
		return string(payload)
	}
	mustHandle(t, r, frag("m1", "Analyzing "))
	mustHandle(t, r, frag("m2", "Other"))
	mustHandle(t, r, frag("m1", "competitors"))
	mustHandle(t, r, `{"type":"Agent","content":{"organic_data":"{\"event\":\"workflow_started\"}"}}`)

	snap := r.Snapshot()
	require.Len(t, snap.Logs, 4)
	require.Equal(t, []AgentMessage{
		{MessageID: "m1", Text: "Analyzing competitors", Fragments: 2},
		{MessageID: "m2", Text: "Other", Fragments: 1},
	}, snap.AgentMessages())
}

func TestReducer_OtherTypesStampCurrentStep(t *testing.T) {
	phase := 2
	r := NewReducer(nil, WithStepSource(func() int { return phase }))
	mustHandle(t, r, `{"type":"API","id":7,"step":"GET_RESULT_COMPETITORS_SEMRUSH_API","timestamp":"2026-01-01T00:00:00Z","content":{"status":"finished","data":[]}}`)
	phase = 4
	mustHandle(t, r, `{"type":"Info","id":"i1","step":"GENERATION_FINISHED","content":"done"}`)

	logs := r.Snapshot().Logs
	require.Equal(t, "7", logs[0].ID)
	require.Equal(t, 2, logs[0].CurrentStep)
	require.Equal(t, "2026-01-01T00:00:00Z", logs[0].Timestamp)
	api, ok := logs[0].Structured()
	require.True(t, ok)
	require.Equal(t, "finished", api.String("status"))
	require.Equal(t, 4, logs[1].CurrentStep)
	require.NotEmpty(t, logs[1].Timestamp)
}

func TestReducer_MalformedJSONIsSkipped(t *testing.T) {
	r := NewReducer(nil)
	require.NoError(t, r.HandleMessage([]byte(`{"type":"Html",`)))
	require.NoError(t, r.HandleMessage([]byte(`not json`)))
	require.NoError(t, r.HandleMessage(htmlEvent("s", "ok")))

	snap := r.Snapshot()
	require.Len(t, snap.Logs, 1)
	require.Equal(t, uint64(1), snap.Version)
}

func TestReducer_FatalErrorShortCircuits(t *testing.T) {
	r := NewReducer(nil)
	require.NoError(t, r.HandleMessage(htmlEvent("s", "<p>")))
	err := r.HandleMessage([]byte(`{"type":"Error","content":{"message":"quota exceeded","code":"E42"}}`))
	require.ErrorIs(t, err, ErrFatalEvent)

	before := r.Snapshot()
	require.NotNil(t, before.Fatal)
	require.Equal(t, "quota exceeded", before.Fatal.Message)
	require.Equal(t, "E42", before.Fatal.Code)
	require.False(t, before.Streaming)

	require.ErrorIs(t, r.HandleMessage(htmlEvent("s", "more")), ErrFatalEvent)
	require.ErrorIs(t, r.HandleMessage([]byte(`{"type":"Color","content":{}}`)), ErrFatalEvent)

	after := r.Snapshot()
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.Logs, after.Logs)
}

func TestReducer_ObserversSeeEveryVersion(t *testing.T) {
	r := NewReducer(nil)
	var versions []uint64
	r.Subscribe(func(s Snapshot) { versions = append(versions, s.Version) })
	require.NoError(t, r.HandleMessage(htmlEvent("s", "a")))
	require.NoError(t, r.HandleMessage(htmlEvent("s", "b")))
	r.Reset()

	require.Equal(t, []uint64{1, 2, 3}, versions)
	require.Empty(t, r.Snapshot().Logs)
}

func TestLogEntry_MarshalJSON(t *testing.T) {
	entry := LogEntry{ID: "x", Type: TypeHTML, Content: HTMLContent{Text: "bold"}, Timestamp: "t", CurrentStep: 4}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `"content":{"text":"bold"}`))
	require.True(t, strings.Contains(string(raw), `"current_step":4`))
}

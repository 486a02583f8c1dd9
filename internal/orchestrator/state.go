package orchestrator

import "github.com/websitelm/alternatively-gateway/internal/chat"

// Phase is the pipeline step shown to the user. It only moves forward while a task runs.
type Phase int32

const (
	PhaseNone              Phase = 0
	PhaseFindCompetitors   Phase = 1
	PhaseSelectCompetitor  Phase = 2
	PhaseAnalyzeCompetitor Phase = 3
	PhasePageGeneration    Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseFindCompetitors:
		return "find_competitors"
	case PhaseSelectCompetitor:
		return "select_competitor"
	case PhaseAnalyzeCompetitor:
		return "analyze_competitor"
	case PhasePageGeneration:
		return "page_generation"
	default:
		return "none"
	}
}

type Competitor = chat.Competitor

type Kind string

const (
	KindIdle              Kind = "idle"
	KindSearching         Kind = "searching"
	KindAwaitingSelection Kind = "awaiting_selection"
	KindGenerating        Kind = "generating"
	KindStreaming         Kind = "streaming"
	KindFinished          Kind = "finished"
	KindAborted           Kind = "aborted"
	KindFatalError        Kind = "fatal_error"
)

// State is the task state. Exactly one variant holds at a time.
type State interface {
	Kind() Kind
	Website() string
}

type Idle struct{}

type Searching struct {
	WebsiteID string
	URL       string
}

type AwaitingSelection struct {
	WebsiteID   string
	Competitors []Competitor
}

type Generating struct {
	WebsiteID string
	Domains   []string
}

type Streaming struct {
	WebsiteID string
	Domains   []string
}

type Finished struct {
	WebsiteID string
	Pages     int
}

type Aborted struct {
	WebsiteID string
	Preserved bool
}

type FatalError struct {
	WebsiteID string
	Modal     Modal
}

func (Idle) Kind() Kind              { return KindIdle }
func (Searching) Kind() Kind         { return KindSearching }
func (AwaitingSelection) Kind() Kind { return KindAwaitingSelection }
func (Generating) Kind() Kind        { return KindGenerating }
func (Streaming) Kind() Kind         { return KindStreaming }
func (Finished) Kind() Kind          { return KindFinished }
func (Aborted) Kind() Kind           { return KindAborted }
func (FatalError) Kind() Kind        { return KindFatalError }

func (Idle) Website() string                { return "" }
func (s Searching) Website() string         { return s.WebsiteID }
func (s AwaitingSelection) Website() string { return s.WebsiteID }
func (s Generating) Website() string        { return s.WebsiteID }
func (s Streaming) Website() string         { return s.WebsiteID }
func (s Finished) Website() string          { return s.WebsiteID }
func (s Aborted) Website() string           { return s.WebsiteID }
func (s FatalError) Website() string        { return s.WebsiteID }

// Active reports whether the state still reacts to the event feed.
func Active(s State) bool {
	switch s.(type) {
	case Searching, AwaitingSelection, Generating, Streaming, Finished:
		return true
	}
	return false
}

type Action string

const (
	ActionRestart Action = "restart"
	ActionHome    Action = "home"
)

// Modal is the blocking dialog shown after a fatal task error.
type Modal struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Actions []Action `json:"actions"`
}

type signal interface{ isSignal() }

type searchAccepted struct{ websiteID, url string }
type competitorsListed struct{ competitors []Competitor }
type generationRequested struct{ domains []string }
type streamOpened struct{}
type batchCompleted struct{ pages int }
type abortRequested struct{ preserved bool }
type fatalReceived struct{ modal Modal }
type resumed struct {
	websiteID   string
	running     bool
	domains     []string
	competitors []Competitor
}

func (searchAccepted) isSignal()      {}
func (competitorsListed) isSignal()   {}
func (generationRequested) isSignal() {}
func (streamOpened) isSignal()        {}
func (batchCompleted) isSignal()      {}
func (abortRequested) isSignal()      {}
func (fatalReceived) isSignal()       {}
func (resumed) isSignal()             {}

// transition is the only place task state changes. Signals that do not apply to the
// current variant leave it unchanged.
func transition(s State, sig signal) State {
	switch sig := sig.(type) {
	case searchAccepted:
		switch s.(type) {
		case Searching, Generating, Streaming:
			return s
		}
		return Searching{WebsiteID: sig.websiteID, URL: sig.url}
	case competitorsListed:
		if cur, ok := s.(Searching); ok {
			return AwaitingSelection{WebsiteID: cur.WebsiteID, Competitors: sig.competitors}
		}
	case generationRequested:
		switch s.(type) {
		case Searching, AwaitingSelection, Generating, Streaming, Finished:
			return Generating{WebsiteID: s.Website(), Domains: sig.domains}
		}
	case streamOpened:
		if cur, ok := s.(Generating); ok {
			return Streaming{WebsiteID: cur.WebsiteID, Domains: cur.Domains}
		}
	case batchCompleted:
		switch s.(type) {
		case Generating, Streaming:
			return Finished{WebsiteID: s.Website(), Pages: sig.pages}
		case Finished:
			return Finished{WebsiteID: s.Website(), Pages: sig.pages}
		}
	case abortRequested:
		if Active(s) {
			return Aborted{WebsiteID: s.Website(), Preserved: sig.preserved}
		}
	case fatalReceived:
		if _, ok := s.(Idle); ok {
			return s
		}
		return FatalError{WebsiteID: s.Website(), Modal: sig.modal}
	case resumed:
		if sig.running && len(sig.domains) == 0 && len(sig.competitors) > 0 {
			return AwaitingSelection{WebsiteID: sig.websiteID, Competitors: sig.competitors}
		}
		if sig.running {
			return Generating{WebsiteID: sig.websiteID, Domains: sig.domains}
		}
		return Finished{WebsiteID: sig.websiteID, Pages: len(sig.domains)}
	}
	return s
}

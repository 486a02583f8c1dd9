// Package orchestrator sequences one alternative-page task: competitor search, selection,
// generation and completion. It reads reducer snapshots and never writes to the log state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/websitelm/alternatively-gateway/internal/backend"
	"github.com/websitelm/alternatively-gateway/internal/chat"
	"github.com/websitelm/alternatively-gateway/internal/stream"
	"github.com/websitelm/alternatively-gateway/internal/tagfilter"
)

var (
	ErrEmptyInput       = errors.New("input is empty")
	ErrNoTask           = errors.New("no task in progress")
	ErrNothingToConfirm = errors.New("nothing awaiting confirmation")
)

const defaultWhatsNext = "All requested alternative pages are generated. What should we do next?"

type Backend interface {
	Search(ctx context.Context, req backend.SearchRequest) (backend.SearchResult, error)
	Generate(ctx context.Context, websiteID string, domains []string) error
	Chat(ctx context.Context, websiteID, message string) (backend.ChatReply, error)
	Status(ctx context.Context, websiteID string) (backend.TaskStatus, error)
	ChatHistory(ctx context.Context, websiteID string) ([]backend.ChatRecord, error)
	Delete(ctx context.Context, websiteID string) error
}

type Messages interface {
	AddUserMessage(content string) string
	AddSystemMessage(content string) string
	AddAgentThinkingMessage() string
	UpdateAgentMessage(content string, id string)
	AddCompetitorCardMessage(competitor chat.Competitor) string
	AddConfirmButtonMessage(onConfirm func()) string
	RemoveConfirmButtonMessage()
	AddCustomCongratsMessage(payload chat.Congrats) string
	HandleErrorMessage(err error, id string)
	Messages() []chat.Message
}

// Connector starts and stops the event stream for a task. Start discards the reduced logs
// when taskID differs from the previous task or follows Stop; the orchestrator relies on
// that instead of writing to the logs itself.
type Connector interface {
	Start(taskID string)
	Stop()
}

// Logs is read-only access to the reduced event state.
type Logs interface {
	Snapshot() stream.Snapshot
}

type Config struct {
	PreviewBase   string
	DeepResearch  bool
	FirstTimeUser bool
	MaxRetries    int
	WhatsNext     string
}

// Status is the externally visible task status.
type Status struct {
	State         Kind         `json:"state"`
	Phase         Phase        `json:"phase"`
	WebsiteID     string       `json:"website_id,omitempty"`
	URL           string       `json:"url,omitempty"`
	Competitors   []Competitor `json:"competitors,omitempty"`
	Generations   int          `json:"generations"`
	Finished      int          `json:"finished"`
	FirstTimeUser bool         `json:"first_time_user"`
	Notice        string       `json:"notice,omitempty"`
	Disconnected  bool         `json:"disconnected"`
	Modal         *Modal       `json:"modal,omitempty"`
}

type Orchestrator struct {
	backend   Backend
	messages  Messages
	connector Connector
	logs      Logs
	cfg       Config
	logger    *zap.Logger
	observer  func(Status)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	phase atomic.Int32

	mu                   sync.Mutex
	state                State
	websiteID            string
	url                  string
	firstTimeUser        bool
	competitors          []Competitor
	competitorsProcessed bool
	finishedSeen         map[string]struct{}
	generations          int
	congratulated        int
	pending              []string
	notice               string
	disconnected         bool
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithObserver registers a callback invoked with the new status after every change.
func WithObserver(observer func(Status)) Option {
	return func(o *Orchestrator) { o.observer = observer }
}

func New(b Backend, messages Messages, connector Connector, logs Logs, cfg Config, opts ...Option) *Orchestrator {
	if cfg.WhatsNext == "" {
		cfg.WhatsNext = defaultWhatsNext
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		backend:       b,
		messages:      messages,
		connector:     connector,
		logs:          logs,
		cfg:           cfg,
		logger:        zap.NewNop(),
		ctx:           ctx,
		cancel:        cancel,
		state:         Idle{},
		firstTimeUser: cfg.FirstTimeUser,
		finishedSeen:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels background work started by event handling and waits for it.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until background work started so far has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Phase is safe to call from any goroutine, including reducer callbacks.
func (o *Orchestrator) Phase() int {
	return int(o.phase.Load())
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	status := Status{
		State:         o.state.Kind(),
		Phase:         Phase(o.phase.Load()),
		WebsiteID:     o.websiteID,
		URL:           o.url,
		Competitors:   append([]Competitor(nil), o.competitors...),
		Generations:   o.generations,
		Finished:      len(o.finishedSeen),
		FirstTimeUser: o.firstTimeUser,
		Notice:        o.notice,
		Disconnected:  o.disconnected,
	}
	if fatal, ok := o.state.(FatalError); ok {
		modal := fatal.Modal
		status.Modal = &modal
	}
	return status
}

func (o *Orchestrator) notify() {
	if o.observer == nil {
		return
	}
	o.observer(o.Status())
}

func (o *Orchestrator) advancePhase(p Phase) {
	for {
		cur := o.phase.Load()
		if int32(p) <= cur || o.phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}

func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

// resetTaskLocked clears per-task flags when a new task starts.
func (o *Orchestrator) resetTaskLocked() {
	o.competitors = nil
	o.competitorsProcessed = false
	o.finishedSeen = map[string]struct{}{}
	o.generations = 0
	o.congratulated = 0
	o.pending = nil
	o.notice = ""
	o.disconnected = false
}

// Submit handles one line of user input. Without a task, a URL starts a competitor search;
// everything else is a chat turn whose answer may carry control markers.
func (o *Orchestrator) Submit(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return ErrEmptyInput
	}
	o.messages.AddUserMessage(input)

	o.mu.Lock()
	websiteID := o.websiteID
	kind := o.state.Kind()
	o.mu.Unlock()

	startsTask := websiteID == "" || kind == KindAborted || kind == KindFatalError
	if url := tagfilter.FirstURL(input); startsTask && url != "" {
		return o.startSearch(ctx, url)
	}
	return o.chatTurn(ctx, websiteID, input)
}

func (o *Orchestrator) chatTurn(ctx context.Context, websiteID, message string) error {
	thinkingID := o.messages.AddAgentThinkingMessage()
	reply, err := o.backend.Chat(ctx, websiteID, message)
	if err != nil {
		o.logger.Warn("chat request failed", zap.String("website_id", websiteID), zap.Error(err))
		o.messages.HandleErrorMessage(userFacing(err), thinkingID)
		return err
	}
	signals, parseErr := tagfilter.ParseSignals(reply.Answer)
	o.messages.UpdateAgentMessage(tagfilter.Linkify(tagfilter.Filter(reply.Answer)), thinkingID)
	if parseErr != nil {
		o.logger.Warn("malformed competitor list in answer", zap.Error(parseErr))
		o.messages.AddSystemMessage("I could not read the competitor list in that answer. Please type the competitor domains you want.")
	}

	o.mu.Lock()
	if signals.FirstTimeUser {
		o.firstTimeUser = true
	}
	if o.websiteID == "" && reply.WebsiteID != "" {
		o.websiteID = reply.WebsiteID
	}
	o.mu.Unlock()

	switch {
	case signals.URLGet:
		url := tagfilter.FirstURL(message)
		if url == "" {
			url = tagfilter.FirstURL(tagfilter.Filter(reply.Answer))
		}
		if url == "" {
			return nil
		}
		return o.startSearch(ctx, url)
	case signals.CompetitorSelected && len(signals.Competitors) > 0:
		if signals.AwaitingConfirmation {
			domains, err := NormalizeDomains(signals.Competitors)
			if err != nil {
				o.messages.AddSystemMessage(noDomainsMessage)
				return err
			}
			o.mu.Lock()
			o.pending = domains
			o.mu.Unlock()
			o.messages.AddConfirmButtonMessage(func() {
				o.spawn(func(ctx context.Context) { _ = o.Confirm(ctx) })
			})
			o.notify()
			return nil
		}
		return o.SelectCompetitors(ctx, signals.Competitors)
	}
	o.notify()
	return nil
}

func (o *Orchestrator) startSearch(ctx context.Context, url string) error {
	thinkingID := o.messages.AddAgentThinkingMessage()

	o.mu.Lock()
	priorID := ""
	if _, idle := o.state.(Idle); idle {
		priorID = o.websiteID
	}
	o.mu.Unlock()

	res, err := o.backend.Search(ctx, backend.SearchRequest{Website: url, WebsiteID: priorID, DeepResearch: o.cfg.DeepResearch})
	if err != nil {
		o.logger.Warn("competitor search failed", zap.String("url", url), zap.Error(err))
		o.messages.HandleErrorMessage(userFacing(err), thinkingID)
		return err
	}

	o.mu.Lock()
	o.resetTaskLocked()
	o.websiteID = res.WebsiteID
	o.url = url
	o.state = transition(o.state, searchAccepted{websiteID: res.WebsiteID, url: url})
	o.mu.Unlock()
	o.phase.Store(int32(PhaseFindCompetitors))

	o.logger.Info("task started", zap.String("website_id", res.WebsiteID), zap.String("url", url))
	o.messages.UpdateAgentMessage(fmt.Sprintf("Looking for competitors of %s. This takes a minute or two.", url), thinkingID)
	// a new task id discards the previous task's reduced logs
	o.connector.Start(res.WebsiteID)
	o.notify()
	return nil
}

const noDomainsMessage = "None of those look like competitor domains. Please enter domains such as example.com."

// SelectCompetitors requests generation for the normalized domains of raw.
func (o *Orchestrator) SelectCompetitors(ctx context.Context, raw []string) error {
	domains, err := NormalizeDomains(raw)
	if err != nil {
		o.messages.AddSystemMessage(noDomainsMessage)
		return err
	}
	return o.requestGeneration(ctx, domains)
}

// Confirm requests generation for the domains awaiting confirmation.
func (o *Orchestrator) Confirm(ctx context.Context) error {
	o.mu.Lock()
	domains := o.pending
	o.mu.Unlock()
	if len(domains) == 0 {
		return ErrNothingToConfirm
	}
	return o.requestGeneration(ctx, domains)
}

func (o *Orchestrator) requestGeneration(ctx context.Context, domains []string) error {
	o.mu.Lock()
	websiteID := o.websiteID
	active := Active(o.state)
	o.mu.Unlock()
	if websiteID == "" || !active {
		o.messages.AddSystemMessage("Enter your product URL first so I can find its competitors.")
		return ErrNoTask
	}

	if err := o.backend.Generate(ctx, websiteID, domains); err != nil {
		o.logger.Warn("generation request failed", zap.String("website_id", websiteID), zap.Error(err))
		o.messages.AddSystemMessage("⚠️ Could not start page generation: " + userFacing(err).Error())
		return err
	}

	o.mu.Lock()
	if !Active(o.state) || o.websiteID != websiteID {
		o.mu.Unlock()
		o.logger.Info("task ended while generation was requested", zap.String("website_id", websiteID))
		return ErrNoTask
	}
	o.generations += len(domains)
	o.pending = nil
	o.markSelectedLocked(domains)
	o.disconnected = false
	o.state = transition(o.state, generationRequested{domains: domains})
	generations := o.generations
	o.mu.Unlock()
	o.advancePhase(PhaseAnalyzeCompetitor)

	o.logger.Info("generation requested",
		zap.String("website_id", websiteID),
		zap.Strings("domains", domains),
		zap.Int("generations", generations))
	o.messages.RemoveConfirmButtonMessage()
	o.messages.AddSystemMessage(fmt.Sprintf("Generating alternative pages against %s.", strings.Join(domains, ", ")))
	// restarting the stream for the same task keeps the reduced logs; only a new task id resets them
	o.connector.Start(websiteID)
	o.notify()
	return nil
}

func (o *Orchestrator) markSelectedLocked(domains []string) {
	chosen := map[string]struct{}{}
	for _, d := range domains {
		chosen[d] = struct{}{}
	}
	for i := range o.competitors {
		if _, ok := chosen[NormalizeDomain(o.competitors[i].URL)]; ok {
			o.competitors[i].Selected = true
		}
	}
}

// Abort stops the task. With generated pages the state is reset and the pages kept;
// without any, the task is deleted on the backend.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.mu.Lock()
	websiteID := o.websiteID
	active := Active(o.state)
	o.mu.Unlock()
	if websiteID == "" || !active {
		return ErrNoTask
	}

	pages := len(o.logs.Snapshot().Tabs(o.cfg.PreviewBase))
	o.connector.Stop()

	var deleteErr error
	if pages == 0 {
		deleteErr = o.backend.Delete(ctx, websiteID)
	}

	o.mu.Lock()
	o.state = transition(o.state, abortRequested{preserved: pages > 0})
	o.pending = nil
	o.notice = ""
	o.mu.Unlock()
	o.phase.Store(int32(PhaseNone))
	o.messages.RemoveConfirmButtonMessage()

	switch {
	case deleteErr != nil:
		o.logger.Warn("delete task failed", zap.String("website_id", websiteID), zap.Error(deleteErr))
		o.messages.AddSystemMessage("⚠️ The task was stopped here but could not be cancelled on the server: " + userFacing(deleteErr).Error())
	case pages > 0:
		o.messages.AddSystemMessage(fmt.Sprintf("Task stopped. Your %d generated page(s) are kept.", pages))
	default:
		o.messages.AddSystemMessage("Task cancelled before any page was generated. No quota was used.")
	}
	o.notify()
	return deleteErr
}

// Resume reattaches to an existing task after a reload. The transcript is rebuilt from
// chat history when it is empty, and the event stream reconnects while the task runs.
func (o *Orchestrator) Resume(ctx context.Context, websiteID string) error {
	if strings.TrimSpace(websiteID) == "" {
		return ErrNoTask
	}
	status, err := o.backend.Status(ctx, websiteID)
	if err != nil {
		return err
	}
	if len(o.messages.Messages()) == 0 {
		records, err := o.backend.ChatHistory(ctx, websiteID)
		if err != nil {
			o.logger.Warn("chat history unavailable", zap.String("website_id", websiteID), zap.Error(err))
		}
		o.replay(records)
	}

	// logs replayed before Resume were already acted on in the previous life of the session
	baseline := o.logs.Snapshot()
	listed, hasList := competitorList(baseline)

	running := status.Running()
	o.mu.Lock()
	o.resetTaskLocked()
	o.websiteID = websiteID
	o.generations = len(status.Domains)
	o.competitorsProcessed = o.generations > 0 || hasList
	if hasList {
		o.competitors = listed
		o.markSelectedLocked(status.Domains)
	}
	for _, entry := range baseline.Find(stream.TypeInfo, stream.StepGenerationFinished) {
		o.finishedSeen[entry.ID] = struct{}{}
	}
	if !running {
		o.congratulated = o.generations
	}
	o.state = transition(o.state, resumed{websiteID: websiteID, running: running, domains: status.Domains, competitors: listed})
	kind := o.state.Kind()
	o.mu.Unlock()

	switch {
	case !running:
		o.phase.Store(int32(PhasePageGeneration))
	case len(status.Domains) > 0:
		o.phase.Store(int32(PhaseAnalyzeCompetitor))
	case kind == KindAwaitingSelection:
		o.phase.Store(int32(PhaseSelectCompetitor))
	default:
		o.phase.Store(int32(PhaseFindCompetitors))
	}
	o.logger.Info("task resumed", zap.String("website_id", websiteID), zap.Bool("running", running))
	if running {
		// the connector keeps logs it already holds for this task id
		o.connector.Start(websiteID)
	}
	o.notify()
	return nil
}

func (o *Orchestrator) replay(records []backend.ChatRecord) {
	for _, record := range records {
		switch strings.ToLower(record.Type) {
		case "user", "human":
			if text := strings.TrimSpace(record.Message); text != "" {
				o.messages.AddUserMessage(text)
			}
		default:
			text := record.Answer
			if text == "" {
				text = record.Message
			}
			text = tagfilter.Filter(text)
			if text == "" {
				continue
			}
			id := o.messages.AddAgentThinkingMessage()
			o.messages.UpdateAgentMessage(tagfilter.Linkify(text), id)
		}
	}
}

// Observe reacts to one reducer snapshot. It only reads the snapshot.
func (o *Orchestrator) Observe(snapshot stream.Snapshot) {
	var effects []func()

	o.mu.Lock()
	if !Active(o.state) {
		o.mu.Unlock()
		return
	}
	if snapshot.Fatal != nil {
		o.mu.Unlock()
		o.HandleFatal(*snapshot.Fatal)
		return
	}

	if !o.competitorsProcessed {
		if list, ok := competitorList(snapshot); ok {
			o.competitorsProcessed = true
			o.competitors = list
			effects = append(effects, o.competitorsArrivedLocked(list)...)
		}
	}

	if o.generations > 0 && (snapshot.Streaming || len(snapshot.Find(stream.TypeHTML, "")) > 0 ||
		len(snapshot.Find(stream.TypeAgent, stream.StepPageGenerationAgent)) > 0) {
		o.state = transition(o.state, streamOpened{})
		effects = append(effects, func() { o.advancePhase(PhasePageGeneration) })
	}

	for _, entry := range snapshot.Find(stream.TypeInfo, stream.StepGenerationFinished) {
		o.finishedSeen[entry.ID] = struct{}{}
	}
	// a finished signal may precede the Codes event that mints its tab, so the count is
	// compared on every snapshot once any generation has finished
	if len(o.finishedSeen) > 0 && o.generations > 0 && o.congratulated != o.generations {
		tabs := snapshot.Tabs(o.cfg.PreviewBase)
		if len(tabs) == o.generations {
			o.congratulated = o.generations
			o.state = transition(o.state, batchCompleted{pages: len(tabs)})
			effects = append(effects, o.batchCompletedLocked(tabs)...)
		}
	}
	o.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
	o.notify()
}

func (o *Orchestrator) competitorsArrivedLocked(list []Competitor) []func() {
	o.advancePhase(PhaseSelectCompetitor)
	if len(list) == 0 {
		o.state = transition(o.state, competitorsListed{})
		return []func(){func() {
			o.messages.AddSystemMessage("I could not find competitors automatically. Type the competitor domains you want to compare against.")
		}}
	}
	if o.firstTimeUser {
		first := list[0]
		o.logger.Info("auto-selecting first competitor", zap.String("competitor", first.URL))
		return []func(){func() {
			o.messages.AddSystemMessage(fmt.Sprintf("Found %d competitors. Starting with %s for your first page.", len(list), first.URL))
			o.spawn(func(ctx context.Context) { _ = o.SelectCompetitors(ctx, []string{first.URL}) })
		}}
	}
	o.state = transition(o.state, competitorsListed{competitors: list})
	cards := append([]Competitor(nil), list...)
	return []func(){func() {
		for _, c := range cards {
			o.messages.AddCompetitorCardMessage(c)
		}
		o.messages.AddSystemMessage("Pick the competitors you want alternative pages for, or type their domains.")
	}}
}

func (o *Orchestrator) batchCompletedLocked(tabs []stream.BrowserTab) []func() {
	websiteID := o.websiteID
	urls := make([]string, 0, len(tabs))
	for _, tab := range tabs {
		urls = append(urls, tab.URL)
	}
	o.logger.Info("batch complete", zap.String("website_id", websiteID), zap.Int("pages", len(tabs)))
	return []func(){func() {
		thinkingID := o.messages.AddAgentThinkingMessage()
		o.messages.AddCustomCongratsMessage(chat.Congrats{
			Title:    "Your alternative pages are ready",
			Message:  fmt.Sprintf("%d page(s) generated. Open a tab to preview and publish.", len(tabs)),
			PageURLs: urls,
		})
		o.spawn(func(ctx context.Context) {
			reply, err := o.backend.Chat(ctx, websiteID, o.cfg.WhatsNext)
			if err != nil {
				o.messages.HandleErrorMessage(userFacing(err), thinkingID)
				return
			}
			o.messages.UpdateAgentMessage(tagfilter.Linkify(tagfilter.Filter(reply.Answer)), thinkingID)
		})
	}}
}

// HandleFatal moves the task to the fatal state once and stops the stream.
func (o *Orchestrator) HandleFatal(content stream.ErrorContent) {
	o.mu.Lock()
	if _, already := o.state.(FatalError); already || !Active(o.state) {
		o.mu.Unlock()
		return
	}
	message := strings.TrimSpace(content.Message)
	if message == "" {
		message = "The generation task failed."
	}
	modal := Modal{
		Title:   "Task failed",
		Message: message,
		Code:    content.Code,
		Actions: []Action{ActionRestart, ActionHome},
	}
	o.state = transition(o.state, fatalReceived{modal: modal})
	o.notice = ""
	websiteID := o.websiteID
	o.mu.Unlock()

	o.logger.Error("fatal task error", zap.String("website_id", websiteID), zap.String("message", message), zap.String("code", content.Code))
	o.connector.Stop()
	o.messages.AddSystemMessage("⚠️ " + message)
	o.notify()
}

// HandleConnected clears any reconnect notice.
func (o *Orchestrator) HandleConnected() {
	o.mu.Lock()
	changed := o.notice != "" || o.disconnected
	o.notice = ""
	o.disconnected = false
	o.mu.Unlock()
	if changed {
		o.notify()
	}
}

// HandleReconnecting refreshes the user-facing reconnect notice.
func (o *Orchestrator) HandleReconnecting(attempt int) {
	o.mu.Lock()
	if !Active(o.state) {
		o.mu.Unlock()
		return
	}
	o.notice = fmt.Sprintf("Connection lost. Reconnecting (attempt %d of %d)...", attempt, o.cfg.MaxRetries)
	o.mu.Unlock()
	o.notify()
}

// HandleExhausted reports that the stream gave up reconnecting.
func (o *Orchestrator) HandleExhausted() {
	o.mu.Lock()
	if o.disconnected || !Active(o.state) {
		o.mu.Unlock()
		return
	}
	o.notice = ""
	o.disconnected = true
	o.mu.Unlock()
	o.messages.AddSystemMessage("Lost the connection to the generation stream. Reload the session to resume it.")
	o.notify()
}

func userFacing(err error) error {
	switch {
	case errors.Is(err, backend.ErrTaskRunning):
		return errors.New("a task is already running for this website; wait for it to finish or open it from history")
	case errors.Is(err, backend.ErrTransient):
		return errors.New("network error, please try again")
	case errors.Is(err, backend.ErrUnauthorized):
		return errors.New("your session has expired, please log in again")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.New("the request timed out, please try again")
	}
	return err
}

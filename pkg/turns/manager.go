package turns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TheEterna/real-agent-sub001/pkg/approval"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
	"github.com/TheEterna/real-agent-sub001/pkg/memory"
	"github.com/TheEterna/real-agent-sub001/pkg/orchestrator"
	"github.com/TheEterna/real-agent-sub001/pkg/provider"
	"github.com/TheEterna/real-agent-sub001/pkg/tools"
)

// Runner executes a single turn. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

var _ Runner = (*orchestrator.Orchestrator)(nil)

type SubscribeRequest struct {
	TurnID    string
	SessionID string
	Message   string
}

// Subscription is one consumer of a turn stream. Events is closed after the
// terminal event.
type Subscription struct {
	TurnID    string
	SessionID string
	// Started is true when this subscription created the turn.
	Started bool
	Events  <-chan events.Envelope

	cancel func()
}

// Cancel detaches the subscriber. The turn keeps running.
func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

type Option func(*Manager)

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithHydrator seeds empty sessions from the recorder before a turn runs.
func WithHydrator(h Hydrator) Option {
	return func(m *Manager) { m.hydrator = h }
}

func WithSessionService(s *SessionService) Option {
	return func(m *Manager) { m.sessions = s }
}

// WithSinks fans every turn event out to additional sinks, e.g. a watermill bus.
func WithSinks(sinks ...events.EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

func WithBufferSize(n int) Option {
	return func(m *Manager) { m.bufferSize = n }
}

// WithApprovalTimeout bounds how long a turn waits for a human. A request
// deadline that is earlier still applies.
func WithApprovalTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.approvalTimeout = d
		}
	}
}

func WithController(c *approval.Controller) Option {
	return func(m *Manager) { m.approvals = c }
}

// Manager owns the live turns: at most one orchestrator execution per turn id,
// fan-out of its events to any number of subscribers, approval intake and
// explicit close.
type Manager struct {
	runner          Runner
	approvals       *approval.Controller
	sessions        *SessionService
	recorder        Recorder
	hydrator        Hydrator
	sinks           []events.EventSink
	bufferSize      int
	approvalTimeout time.Duration

	mu     sync.Mutex
	turns  map[string]*turnState
	closed bool
	wg     sync.WaitGroup
}

func NewManager(runner Runner, options ...Option) *Manager {
	m := &Manager{
		runner:          runner,
		approvals:       approval.NewController(),
		bufferSize:      events.DefaultStreamBufferSize,
		approvalTimeout: approval.DefaultTimeout,
		turns:           make(map[string]*turnState),
	}
	for _, o := range options {
		o(m)
	}
	if m.sessions == nil {
		m.sessions = NewSessionService()
	}
	return m
}

type turnState struct {
	mu     sync.Mutex
	turn   Turn
	stream *events.Stream
	ctx    context.Context
	cancel context.CancelFunc
	sinks  []events.EventSink
}

func (st *turnState) setState(s State) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.turn.State.canMoveTo(s) {
		return false
	}
	st.turn.State = s
	return true
}

func (st *turnState) setIteration(i int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if i > st.turn.Iteration {
		st.turn.Iteration = i
	}
}

func (st *turnState) snapshot() Turn {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.turn
}

func (st *turnState) trace() events.Trace {
	return events.Trace{SessionID: st.turn.SessionID, TurnID: st.turn.TurnID}
}

// Publish appends to the turn stream and forwards to the extra sinks. Only
// the stream can fail the turn.
func (st *turnState) Publish(ev events.ExecutionEvent) error {
	if _, err := st.stream.Publish(ev); err != nil {
		return err
	}
	for _, s := range st.sinks {
		if err := s.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("turn_id", st.turn.TurnID).Str("event", string(ev.Type)).Msg("event sink failed")
		}
	}
	return nil
}

// StartTurn is the inbound entry point: it materializes the session when
// sessionID is empty, allocates a turn id and subscribes to the new turn.
func (m *Manager) StartTurn(ctx context.Context, sessionID, message string) (*Subscription, error) {
	sess, err := m.sessions.EnsureSession(ctx, sessionID, message)
	if err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, SubscribeRequest{
		TurnID:    uuid.NewString(),
		SessionID: sess.SessionID,
		Message:   message,
	})
}

// Subscribe attaches to the turn, creating and starting it if it does not
// exist. A second subscribe for a live turn id replays the events produced so
// far and never starts a second execution.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.TurnID == "" {
		return nil, ErrEmptyTurnID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	st, ok := m.turns[req.TurnID]
	created := false
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		st = &turnState{
			turn: Turn{
				TurnID:    req.TurnID,
				SessionID: req.SessionID,
				Message:   req.Message,
				State:     StateCreated,
				CreatedAt: time.Now(),
			},
			stream: events.NewStream(req.TurnID, m.bufferSize),
			ctx:    runCtx,
			cancel: cancel,
			sinks:  m.sinks,
		}
		m.turns[req.TurnID] = st
		m.wg.Add(1)
		created = true
	}
	m.mu.Unlock()

	ch, cancel := st.stream.Subscribe()
	if created {
		log.Debug().Str("turn_id", req.TurnID).Str("session_id", req.SessionID).Msg("turn created")
		go func() {
			defer m.wg.Done()
			m.execute(st)
		}()
	}

	return &Subscription{
		TurnID:    st.turn.TurnID,
		SessionID: st.turn.SessionID,
		Started:   created,
		Events:    ch,
		cancel:    cancel,
	}, nil
}

// Attach subscribes to a live turn without ever creating one.
func (m *Manager) Attach(turnID string) (*Subscription, error) {
	m.mu.Lock()
	st, ok := m.turns[turnID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrTurnNotFound, "%s", turnID)
	}
	ch, cancel := st.stream.Subscribe()
	return &Subscription{
		TurnID:    st.turn.TurnID,
		SessionID: st.turn.SessionID,
		Events:    ch,
		cancel:    cancel,
	}, nil
}

func (m *Manager) Snapshot(turnID string) (Turn, bool) {
	m.mu.Lock()
	st, ok := m.turns[turnID]
	m.mu.Unlock()
	if !ok {
		return Turn{}, false
	}
	return st.snapshot(), true
}

// ActiveTurns returns the number of turns in the registry.
func (m *Manager) ActiveTurns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// PendingApproval returns the approval request the turn is blocked on.
func (m *Manager) PendingApproval(turnID string) (approval.Request, bool) {
	return m.approvals.Pending(turnID)
}

// HandleInteractionResponse resolves the turn's pending approval. Unknown
// turns, mismatched requests and repeated responses are logged no-ops.
func (m *Manager) HandleInteractionResponse(turnID string, resp approval.Response) bool {
	m.mu.Lock()
	_, ok := m.turns[turnID]
	m.mu.Unlock()
	if !ok {
		log.Warn().Str("turn_id", turnID).Str("request_id", resp.RequestID).Msg("interaction response for unknown turn")
		return false
	}
	return m.approvals.Resolve(turnID, resp)
}

func (m *Manager) SubmitInteractionResponse(turnID, requestID, optionID, feedback string) bool {
	return m.HandleInteractionResponse(turnID, approval.Response{
		RequestID:        requestID,
		SelectedOptionID: optionID,
		Feedback:         feedback,
	})
}

// CloseTurn cancels the turn, ends its stream with a terminal TURN_CLOSED
// error and removes it. Closing an unknown or finished turn returns false.
func (m *Manager) CloseTurn(turnID string) bool {
	m.mu.Lock()
	st, ok := m.turns[turnID]
	if ok {
		delete(m.turns, turnID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	log.Debug().Str("turn_id", turnID).Msg("closing turn")
	st.cancel()
	m.approvals.Cancel(turnID)
	if !st.setState(StateClosed) {
		return true
	}
	ev := events.NewErrorEvent(st.trace(), events.ErrorCodeTurnClosed, errors.New("turn closed"), true)
	if err := st.Publish(ev); err != nil {
		log.Debug().Err(err).Str("turn_id", turnID).Msg("turn stream already terminated")
	}
	m.recordCompletion(st, events.EventTypeError, "")
	return true
}

// Shutdown closes every live turn and waits for their executions to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.turns))
	for id := range m.turns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseTurn(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) execute(st *turnState) {
	t := st.snapshot()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("turn_id", t.TurnID).Interface("panic", r).Msg("turn execution panicked")
			m.fail(st, events.ErrorCodeInternal, errors.Errorf("internal error: %v", r))
		}
	}()

	if !st.setState(StateRunning) {
		return
	}
	m.hydrate(st.ctx, t.SessionID)
	if m.recorder != nil {
		if err := m.recorder.StartTurn(st.ctx, t); err != nil {
			log.Warn().Err(err).Str("turn_id", t.TurnID).Msg("failed to record turn start")
		}
	}

	res, err := m.runner.Run(st.ctx, orchestrator.Request{
		SessionID:   t.SessionID,
		TurnID:      t.TurnID,
		UserMessage: t.Message,
		Publisher:   st,
		Approver:    m.approver(st),
		OnIteration: st.setIteration,
	})
	if err != nil {
		m.fail(st, codeFor(err), err)
		return
	}

	if st.setState(StateCompleted) {
		m.recordCompletion(st, res.Outcome, res.FinalText)
	}
	m.release(st)
	log.Debug().Str("turn_id", t.TurnID).Str("outcome", string(res.Outcome)).Int("iterations", res.Iterations).Msg("turn finished")
}

// fail ends the turn with a terminal ERROR unless it was already closed.
func (m *Manager) fail(st *turnState, code events.ErrorCode, err error) {
	if st.setState(StateCompleted) {
		log.Warn().Err(err).Str("turn_id", st.turn.TurnID).Str("code", string(code)).Msg("turn failed")
		if perr := st.Publish(events.NewErrorEvent(st.trace(), code, err, true)); perr != nil {
			log.Error().Err(perr).Str("turn_id", st.turn.TurnID).Msg("could not publish terminal error")
		}
		m.recordCompletion(st, events.EventTypeError, "")
	}
	m.release(st)
}

func (m *Manager) release(st *turnState) {
	st.cancel()
	m.mu.Lock()
	if cur, ok := m.turns[st.turn.TurnID]; ok && cur == st {
		delete(m.turns, st.turn.TurnID)
	}
	m.mu.Unlock()
}

func (m *Manager) hydrate(ctx context.Context, sessionID string) {
	if m.recorder == nil || m.hydrator == nil || m.hydrator.Len(sessionID) > 0 {
		return
	}
	msgs, err := m.recorder.GetSessionMessages(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load session history")
		return
	}
	if len(msgs) > 0 && m.hydrator.Hydrate(sessionID, msgs) {
		log.Debug().Str("session_id", sessionID).Int("messages", len(msgs)).Msg("session hydrated")
	}
}

func (m *Manager) recordCompletion(st *turnState, outcome events.EventType, final string) {
	if m.recorder == nil {
		return
	}
	// the turn context is already cancelled at this point
	ctx, cancel := context.WithTimeout(context.WithoutCancel(st.ctx), 5*time.Second)
	defer cancel()
	if err := m.recorder.CompleteTurn(ctx, st.turn.TurnID, outcome, final); err != nil {
		log.Warn().Err(err).Str("turn_id", st.turn.TurnID).Msg("failed to record turn completion")
	}
}

// approver suspends the turn on an approval gate after announcing the
// request with TOOL_APPROVAL. The answer is echoed as INTERACTION.
func (m *Manager) approver(st *turnState) tools.Approver {
	return tools.ApproverFunc(func(ctx context.Context, req approval.Request) (approval.Response, error) {
		g, err := m.approvals.Open(req)
		if err != nil {
			return approval.Response{}, err
		}
		req = g.Request()

		trace, ok := events.TraceFromContext(ctx)
		if !ok {
			trace = st.trace()
		}
		st.setState(StateAwaitingApproval)
		defer st.setState(StateRunning)
		if err := publishToContext(ctx, st, events.NewEvent(events.EventTypeToolApproval, trace,
			fmt.Sprintf("approval required for %s", req.ToolName), req.ToEventData())); err != nil {
			m.approvals.Cancel(req.TurnID)
			return approval.Response{}, err
		}

		// the earlier of the manager bound and the request deadline wins
		timeout := m.approvalTimeout
		if req.DeadlineMs > 0 {
			if until := time.Until(time.UnixMilli(req.DeadlineMs)); until < timeout {
				timeout = until
			}
		}
		if timeout <= 0 {
			timeout = time.Millisecond
		}

		resp, err := m.approvals.Wait(ctx, g, timeout)
		if err != nil {
			return resp, err
		}

		if err := publishToContext(ctx, st, events.NewEvent(events.EventTypeInteraction, trace, resp.SelectedOptionID, map[string]any{
			"request_id":         resp.RequestID,
			"selected_option_id": resp.SelectedOptionID,
			"feedback":           resp.Feedback,
			"approved":           resp.Approved(),
		})); err != nil {
			return approval.Response{}, err
		}
		return resp, nil
	})
}

// publishToContext goes through the sinks the orchestrator installed so that
// stream failures are seen by the running turn.
func publishToContext(ctx context.Context, st *turnState, ev events.ExecutionEvent) error {
	sinks := events.GetEventSinks(ctx)
	if len(sinks) == 0 {
		return st.Publish(ev)
	}
	for _, s := range sinks {
		if err := s.PublishEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func codeFor(err error) events.ErrorCode {
	var pe *provider.ProviderError
	switch {
	case errors.Is(err, events.ErrStreamOverflow):
		return events.ErrorCodeStreamOverflow
	case errors.As(err, &pe):
		return events.ErrorCodeProvider
	case errors.Is(err, memory.ErrUnsupportedOperation):
		return events.ErrorCodeUnsupported
	case errors.Is(err, context.Canceled):
		return events.ErrorCodeTurnClosed
	}
	if code := tools.CodeFor(err); code != events.ErrorCodeInternal {
		return code
	}
	return events.ErrorCodeInternal
}

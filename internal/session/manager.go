package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-session/internal/conversation"
	"github.com/whisper/chat-session/internal/metrics"
	"github.com/whisper/chat-session/internal/protocol"
	"github.com/whisper/chat-session/internal/transport"
)

// Config holds manager timeouts.
type Config struct {
	FetchTimeout time.Duration // history load
	SendTimeout  time.Duration // REST send and read receipt
	Text         conversation.TextLimits
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 15 * time.Second,
		SendTimeout:  10 * time.Second,
	}
}

// Deps are the collaborators of a Manager. Link, History and CurrentUser are
// required; the rest are optional.
type Deps struct {
	Link        Link
	History     HistoryFetcher
	Poster      MessagePoster
	Reads       ReadMarker
	Limiter     Limiter
	Store       *conversation.Store
	CurrentUser func() string
}

// Manager owns the active-conversation lifecycle. It is goroutine-safe.
type Manager struct {
	cfg  Config
	deps Deps

	mu          sync.Mutex
	state       State
	err         error
	gen         uint64
	current     conversation.Key
	hasCurrent  bool
	cancelFetch context.CancelFunc
	leased      bool

	started     bool
	removeFrame func()
	removeState func()

	subs    map[int]func(State)
	nextSub int
}

// New creates a Manager in StateIdle.
func New(cfg Config, deps Deps) *Manager {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if deps.Store == nil {
		deps.Store = conversation.NewStore()
	}
	return &Manager{cfg: cfg, deps: deps, subs: make(map[int]func(State))}
}

// Start registers the frame router and link state handler. It is called by
// SelectConversation and is safe to call more than once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	removeFrame := m.deps.Link.OnFrame(m.handleFrame)
	removeState := m.deps.Link.OnStateChange(m.handleLinkState)

	m.mu.Lock()
	m.removeFrame, m.removeState = removeFrame, removeState
	m.mu.Unlock()
}

// SelectConversation makes key the active conversation. It loads history,
// clears the unread count and moves to StateActive. A fetch failure moves
// to StateError and is returned; it is not retried. If another selection
// happens first, the result is discarded and ErrSuperseded is returned.
func (m *Manager) SelectConversation(ctx context.Context, key conversation.Key) error {
	m.Start()

	m.mu.Lock()
	if m.cancelFetch != nil {
		m.cancelFetch()
	}
	m.gen++
	gen := m.gen
	m.current, m.hasCurrent = key, true
	m.err = nil
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	m.cancelFetch = cancel
	needLease := !m.leased
	m.leased = true
	notify := m.setStateLocked(StateActivating)
	m.mu.Unlock()
	notify()

	log.Printf("session: activating %s", key)

	m.ensureLink(ctx, needLease)
	return m.activate(fetchCtx, cancel, gen, key)
}

// ensureLink makes sure the shared link is open for the selection. The first
// selection takes the lease; later ones reopen a link that gave up or was
// closed under the lease. Failures are logged and the selection proceeds
// without live updates.
func (m *Manager) ensureLink(ctx context.Context, needLease bool) {
	var err error
	switch {
	case needLease:
		err = m.deps.Link.Acquire(ctx)
	case m.deps.Link.State() == transport.StateFailed, m.deps.Link.State() == transport.StateClosed:
		err = m.deps.Link.Reopen(ctx)
	}
	if err != nil {
		log.Printf("session: link unavailable, continuing without live updates: %v", err)
	}
}

func (m *Manager) activate(ctx context.Context, cancel context.CancelFunc, gen uint64, key conversation.Key) error {
	start := time.Now()
	msgs, err := m.deps.History.FetchHistory(ctx, key)
	metrics.HistoryFetchDuration.Observe(time.Since(start).Seconds())
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		metrics.HistoryFetches.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	m.cancelFetch = nil
	if err != nil {
		herr := &HistoryFetchError{Key: key, Err: err}
		m.err = herr
		notify := m.setStateLocked(StateError)
		m.mu.Unlock()
		notify()
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		log.Printf("session: %v", herr)
		return herr
	}
	m.mu.Unlock()

	m.deps.Store.LoadHistory(key, msgs)
	m.deps.Store.MarkRead(key)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		metrics.HistoryFetches.WithLabelValues("superseded").Inc()
		return ErrSuperseded
	}
	notify := m.setStateLocked(StateActive)
	m.mu.Unlock()
	notify()

	metrics.HistoryFetches.WithLabelValues("ok").Inc()
	log.Printf("session: %s active with %d messages", key, len(msgs))

	if key.Kind == conversation.KindGroup {
		m.subscribeGroup(key)
	}
	m.markPartnerRead(key, msgs)
	return nil
}

// markPartnerRead sends a read receipt for the newest message the partner
// sent in a direct conversation. Failures are only logged.
func (m *Manager) markPartnerRead(key conversation.Key, msgs []conversation.Message) {
	if m.deps.Reads == nil || key.Kind != conversation.KindDirect {
		return
	}
	me := m.deps.CurrentUser()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID == me {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
		err := m.deps.Reads.MarkMessageRead(ctx, msgs[i].ID)
		cancel()
		if err != nil {
			log.Printf("session: read receipt for %s in %s failed: %v", msgs[i].ID, key, err)
		}
		return
	}
}

func (m *Manager) subscribeGroup(key conversation.Key) {
	if m.deps.Link.State() != transport.StateOpen {
		return
	}
	frame, err := protocol.Encode(protocol.SubscribeGroup{GroupID: key.ID})
	if err != nil {
		log.Printf("session: encode subscribe for %s: %v", key, err)
		return
	}
	if err := m.deps.Link.Send(frame); err != nil {
		log.Printf("session: subscribe to %s failed: %v", key, err)
	}
}

// handleLinkState re-subscribes to the selected group after every (re)open.
func (m *Manager) handleLinkState(st transport.State) {
	if st != transport.StateOpen {
		return
	}
	m.mu.Lock()
	key, ok := m.current, m.hasCurrent
	routing := m.state == StateActivating || m.state == StateActive
	m.mu.Unlock()

	if ok && routing && key.Kind == conversation.KindGroup {
		m.subscribeGroup(key)
	}
}

// handleFrame decodes every frame in a batch and routes chat events.
// Malformed frames are logged and dropped; unknown types are ignored.
func (m *Manager) handleFrame(raw []byte) {
	for _, frame := range protocol.Split(raw) {
		ev, err := protocol.Decode(frame)
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				field := derr.Field
				if field == "" {
					field = "json"
				}
				metrics.DecodeErrors.WithLabelValues(field).Inc()
				log.Printf("session: dropping malformed frame: %v", err)
			}
			continue
		}
		if chat, ok := ev.(protocol.ChatEvent); ok {
			m.route(chat)
		}
	}
}

// keyFor derives the conversation a chat event belongs to. For direct
// events the partner is the sender, or the recipient when the sender is the
// current user.
func (m *Manager) keyFor(ev protocol.ChatEvent) (conversation.Key, bool) {
	if ev.Kind == protocol.TypeGroup {
		return conversation.GroupKey(ev.GroupID), ev.GroupID != ""
	}
	partner := ev.SenderID
	if partner == m.deps.CurrentUser() {
		partner = ev.RecipientID
	}
	return conversation.DirectKey(partner), partner != ""
}

func (m *Manager) route(ev protocol.ChatEvent) {
	key, ok := m.keyFor(ev)
	if !ok {
		log.Printf("session: cannot place %s message %s", ev.Kind, ev.ID)
		return
	}

	m.mu.Lock()
	routed := m.hasCurrent && m.current == key &&
		(m.state == StateActivating || m.state == StateActive)
	m.mu.Unlock()

	if routed {
		msg := conversation.Message{
			ID:           ev.ID,
			Conversation: key,
			SenderID:     ev.SenderID,
			SenderName:   ev.SenderName,
			Body:         ev.Text,
			CreatedAt:    ev.CreatedAt,
		}
		if m.deps.Store.ApplyLiveMessage(msg) {
			metrics.LiveMessages.WithLabelValues("applied").Inc()
		} else {
			metrics.LiveMessages.WithLabelValues("duplicate").Inc()
		}
		return
	}

	// Our own echo from another session is not unread.
	if ev.SenderID == m.deps.CurrentUser() {
		return
	}
	m.deps.Store.IncrementUnread(key)
	metrics.LiveMessages.WithLabelValues("unread").Inc()
}

// DeselectConversation cancels any in-flight fetch, stops routing to the
// store, returns to StateIdle and releases the link lease.
func (m *Manager) DeselectConversation() {
	m.mu.Lock()
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	m.gen++
	m.hasCurrent = false
	m.current = conversation.Key{}
	m.err = nil
	release := m.leased
	m.leased = false
	notify := m.setStateLocked(StateIdle)
	m.mu.Unlock()
	notify()

	if release {
		m.deps.Link.Release()
	}
}

// Teardown deselects and detaches from the link.
func (m *Manager) Teardown() {
	m.DeselectConversation()

	m.mu.Lock()
	removeFrame, removeState := m.removeFrame, m.removeState
	m.removeFrame, m.removeState = nil, nil
	m.started = false
	m.mu.Unlock()

	if removeFrame != nil {
		removeFrame()
	}
	if removeState != nil {
		removeState()
	}
}

// Retry re-issues the history load for the conversation that failed. It is
// a no-op unless the manager is in StateError. Like any selection, it
// reopens a link that gave up.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateError || !m.hasCurrent {
		m.mu.Unlock()
		return nil
	}
	key := m.current
	m.mu.Unlock()

	return m.SelectConversation(ctx, key)
}

// SendMessage sends text to key. When the link is open the message goes live
// and is stored once the server echoes it. Otherwise the REST poster is used
// and the created message is stored immediately.
func (m *Manager) SendMessage(ctx context.Context, key conversation.Key, text string) (SendResult, error) {
	text, err := m.cfg.Text.Prepare(text)
	if err != nil {
		return SendResult{}, err
	}
	if m.deps.Limiter != nil && !m.deps.Limiter.Allow() {
		return SendResult{}, ErrRateLimited
	}

	liveErr := errNoSendPath
	if m.deps.Link.State() == transport.StateOpen {
		clientID := uuid.NewString()
		var intent protocol.Intent = protocol.SendDirect{To: key.ID, Text: text, ClientID: clientID}
		if key.Kind == conversation.KindGroup {
			intent = protocol.SendGroup{GroupID: key.ID, Text: text, ClientID: clientID}
		}
		frame, err := protocol.Encode(intent)
		if err != nil {
			return SendResult{}, err
		}
		if liveErr = m.deps.Link.Send(frame); liveErr == nil {
			metrics.MessagesSent.WithLabelValues(PathLive, "ok").Inc()
			return SendResult{Path: PathLive, ClientID: clientID}, nil
		}
		metrics.MessagesSent.WithLabelValues(PathLive, "error").Inc()
		log.Printf("session: live send to %s failed, trying REST: %v", key, liveErr)
	}

	if m.deps.Poster == nil {
		return SendResult{}, &SendError{Key: key, Err: liveErr}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	msg, err := m.deps.Poster.PostMessage(ctx, key, text)
	if err != nil {
		metrics.MessagesSent.WithLabelValues(PathREST, "error").Inc()
		return SendResult{}, &SendError{Key: key, Err: err}
	}
	metrics.MessagesSent.WithLabelValues(PathREST, "ok").Inc()
	msg.Conversation = key
	m.deps.Store.ApplyLiveMessage(msg)
	return SendResult{Path: PathREST, Message: &msg}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the active conversation, if the manager is in StateActive.
func (m *Manager) Active() (conversation.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return conversation.Key{}, false
	}
	return m.current, true
}

// Err returns the error that put the manager in StateError, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// ConnectionState reports the shared link state.
func (m *Manager) ConnectionState() transport.State {
	return m.deps.Link.State()
}

// Store returns the conversation store the manager writes to.
func (m *Manager) Store() *conversation.Store {
	return m.deps.Store
}

// OnStateChange registers fn for lifecycle transitions. The returned func
// unsubscribes.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// setStateLocked moves to s and returns a func that notifies subscribers.
// The func must be called after mu is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(s)
		}
	}
}

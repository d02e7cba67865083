package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// framesTopic is the in-process channel between the socket read loop and the
// frame loop.
const framesTopic = "chatdf.frames"

const defaultUsagePollInterval = 30 * time.Second

// UsageFetcher is the polled token/limit counter collaborator.
type UsageFetcher interface {
	GetUsage(ctx context.Context) (*Usage, error)
}

type EngineConfig struct {
	// WebSocketURL is the event stream endpoint.
	WebSocketURL string
	// Fetcher provides REST conversation snapshots for reconciliation.
	Fetcher ConversationFetcher
	// Usage is optional; when set, counters are polled periodically.
	Usage             UsageFetcher
	UsagePollInterval time.Duration

	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Engine owns the stores and the plumbing between them: the connection
// manager publishes raw frames to an in-process pub/sub, a single frame-loop
// goroutine consumes and dispatches them, so every store mutation runs to
// completion before the next frame is taken.
type Engine struct {
	session    *ChatSessionStore
	datasets   *DatasetLifecycleStore
	notifier   *Notifier
	loader     *ConversationLoader
	dispatcher *EventDispatcher
	conn       *ConnectionManager
	pubsub     *gochannel.GoChannel

	usage      UsageFetcher
	usageEvery time.Duration

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	counts  Usage
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.WebSocketURL == "" {
		return nil, errors.New("engine websocket url is empty")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("engine conversation fetcher is nil")
	}

	notifier := NewNotifier()
	session := NewChatSessionStore(notifier)
	datasets := NewDatasetLifecycleStore()
	dispatcher := NewEventDispatcher(session, datasets, notifier)
	loader, err := NewConversationLoader(cfg.Fetcher, session, datasets, notifier)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		session:    session,
		datasets:   datasets,
		notifier:   notifier,
		loader:     loader,
		dispatcher: dispatcher,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NopLogger{}),
		usage:      cfg.Usage,
		usageEvery: cfg.UsagePollInterval,
		runCtx:     context.Background(),
	}
	if e.usageEvery <= 0 {
		e.usageEvery = defaultUsagePollInterval
	}

	conn, err := NewConnectionManager(ConnectionManagerConfig{
		URL:            cfg.WebSocketURL,
		Publisher:      e.pubsub,
		Topic:          framesTopic,
		Dialer:         cfg.Dialer,
		OnStatusChange: e.onStatusChange,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return e, nil
}

// Start subscribes the frame loop, starts the watchdog and usage poller, and
// opens the connection. A dial failure is returned but not fatal: the
// manager keeps retrying with backoff.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return errors.New("engine is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	ch, err := e.pubsub.Subscribe(runCtx, framesTopic)
	if err != nil {
		cancel()
		return errors.Wrap(err, "subscribe frame topic")
	}
	go e.frameLoop(ch)
	go e.watchdogLoop(runCtx)
	if e.usage != nil {
		go e.usageLoop(runCtx)
	}
	return e.conn.Connect(runCtx)
}

// Close tears everything down: the connection (explicitly, so it is not
// mistaken for a drop), the pub/sub, and pending notifier timers.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.conn.Disconnect()
	err := e.pubsub.Close()
	e.notifier.Close()
	return err
}

func (e *Engine) Session() *ChatSessionStore       { return e.session }
func (e *Engine) Datasets() *DatasetLifecycleStore { return e.datasets }
func (e *Engine) Notifier() *Notifier              { return e.notifier }
func (e *Engine) Loader() *ConversationLoader      { return e.loader }
func (e *Engine) Connection() *ConnectionManager   { return e.conn }

// Usage returns the last polled counters.
func (e *Engine) Usage() Usage {
	if e == nil {
		return Usage{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// frameLoop is the single cooperative execution context: each frame's store
// mutations run to completion before the next frame is taken.
func (e *Engine) frameLoop(ch <-chan *message.Message) {
	for msg := range ch {
		e.dispatcher.Dispatch(msg.Payload)
		msg.Ack()
	}
	log.Debug().Str("component", "chatsync").Msg("frame loop stopped")
}

func (e *Engine) watchdogLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			e.session.CheckTimeouts(now)
		}
	}
}

func (e *Engine) usageLoop(ctx context.Context) {
	e.pollUsage(ctx)
	t := time.NewTicker(e.usageEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.pollUsage(ctx)
		}
	}
}

func (e *Engine) pollUsage(ctx context.Context) {
	u, err := e.usage.GetUsage(ctx)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatsync").Msg("usage poll failed")
		return
	}
	if u == nil {
		return
	}
	e.mu.Lock()
	e.counts = *u
	e.mu.Unlock()
	e.session.SetRateLimited(u.LimitReached)
}

// onStatusChange keeps the transport banner in sync and refetches the active
// conversation on every transition into connected, because the transport is
// at-most-once and events missed while disconnected are gone.
func (e *Engine) onStatusChange(s ConnectionStatus) {
	switch s {
	case StatusConnected:
		e.notifier.ClearBanner()
		e.mu.Lock()
		ctx := e.runCtx
		e.mu.Unlock()
		go func() {
			if err := e.loader.Refetch(ctx); err != nil {
				log.Warn().Err(err).Str("component", "chatsync").Msg("post-connect refetch failed")
			}
		}()
	case StatusReconnecting:
		// A partially streamed message cannot be resumed; the refetch
		// after reconnect recovers final state.
		e.session.ResetStreaming()
		e.notifier.SetBanner("connection lost, reconnecting")
	case StatusDisconnected:
		e.notifier.SetBanner("disconnected")
	}
}

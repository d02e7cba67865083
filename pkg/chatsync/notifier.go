package chatsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type NoticeLevel string

const (
	NoticeError   NoticeLevel = "error"
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
)

// Notice is a transient, self-dismissing signal.
type Notice struct {
	ID        string
	Level     NoticeLevel
	Text      string
	CreatedAt time.Time
}

const (
	defaultNoticeTTL = 5 * time.Second
	defaultNoticeCap = 8
)

// Notifier surfaces transient error/success/info signals derived from store
// transitions. Notices are capped, deduplicated while visible, and dismiss
// themselves after a TTL. Transport outages use the separate persistent
// banner, which does not expire.
type Notifier struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	notices []Notice
	timers  map[string]*time.Timer
	banner  string
	closed  bool
}

func NewNotifier() *Notifier {
	return &Notifier{
		max:    defaultNoticeCap,
		ttl:    defaultNoticeTTL,
		timers: map[string]*time.Timer{},
	}
}

func (n *Notifier) Error(text string)   { n.push(NoticeError, text) }
func (n *Notifier) Success(text string) { n.push(NoticeSuccess, text) }
func (n *Notifier) Info(text string)    { n.push(NoticeInfo, text) }

func (n *Notifier) push(level NoticeLevel, text string) {
	if n == nil || text == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, v := range n.notices {
		if v.Level == level && v.Text == text {
			return
		}
	}
	if len(n.notices) >= n.max {
		drop := n.notices[0]
		n.dismissLocked(drop.ID)
	}
	notice := Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Text:      text,
		CreatedAt: time.Now(),
	}
	n.notices = append(n.notices, notice)
	id := notice.ID
	n.timers[id] = time.AfterFunc(n.ttl, func() { n.Dismiss(id) })
}

// Dismiss removes a notice before its TTL.
func (n *Notifier) Dismiss(id string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissLocked(id)
}

func (n *Notifier) dismissLocked(id string) {
	if t, ok := n.timers[id]; ok {
		t.Stop()
		delete(n.timers, id)
	}
	for i, v := range n.notices {
		if v.ID == id {
			n.notices = append(n.notices[:i], n.notices[i+1:]...)
			return
		}
	}
}

// Notices returns the currently visible notices, oldest first.
func (n *Notifier) Notices() []Notice {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// SetBanner sets the persistent transport banner shown while the connection
// is not healthy.
func (n *Notifier) SetBanner(text string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.banner = text
}

func (n *Notifier) ClearBanner() {
	n.SetBanner("")
}

func (n *Notifier) Banner() string {
	if n == nil {
		return ""
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.banner
}

// Close stops all pending dismissal timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.notices = nil
}

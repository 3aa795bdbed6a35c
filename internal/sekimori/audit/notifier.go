// Package audit posts gateway security events to a Matrix room.
//
// When configured with a room ID (MATRIX_AUDIT_ROOM), the gateway sends
// concise notices for lifecycle and security events so operators can watch
// activity without tailing the trace database.  Without a room the Noop
// notifier is used and the subsystem costs nothing.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Sekimori/common/reqid"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindServerStarted Kind = "server.started"
	KindServerStopped Kind = "server.stopped"
	KindAuthDenied    Kind = "auth.denied"
	KindQueueOverflow Kind = "queue.overflow"
	KindError         Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	Kind Kind
	// Client is the client id (or "anonymous") the event concerns.
	Client string
	// Target is the target id involved, when any.
	Target string
	// Message is a human-friendly description.
	Message string
	// RequestID ties the notice back to the trace record.  When empty the
	// value is taken from the context.
	RequestID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications.
type Notifier interface {
	// Notify posts an audit event.  Implementations MUST NOT block the
	// caller for longer than a short timeout; send failures are logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// denialWindow and denialCap bound auth.denied notices per client so a
// credential-stuffing run cannot flood the room.
const (
	denialWindow = time.Minute
	denialCap    = 5
)

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string

	mu      sync.Mutex
	windows map[string]*denialState
}

type denialState struct {
	windowStart time.Time
	count       int
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID, windows: make(map[string]*denialState)}
}

// Notify formats evt as a human-readable notice and posts it to the audit
// room.  Errors are logged at WARN level; the caller is never blocked.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	rid := evt.RequestID
	if rid == "" {
		rid = reqid.FromContext(ctx)
	}
	if evt.Kind == KindAuthDenied && !n.admitDenial(evt.Client, evt.Timestamp) {
		return
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s: %s", icon, evt.Kind, evt.Target, evt.Message)
	}
	if evt.Client != "" {
		msg = fmt.Sprintf("%s\n  client: %s", msg, evt.Client)
	}
	if rid != "" {
		msg = fmt.Sprintf("%s\n  request: %s", msg, rid)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// admitDenial applies the per-client fixed window to auth.denied events.
func (n *MatrixNotifier) admitDenial(client string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.windows[client]
	if !ok || now.Sub(st.windowStart) >= denialWindow {
		n.windows[client] = &denialState{windowStart: now, count: 1}
		return true
	}
	if st.count >= denialCap {
		return false
	}
	st.count++
	return true
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindServerStarted:
		return "🟢"
	case KindServerStopped:
		return "⏹️"
	case KindAuthDenied:
		return "🚫"
	case KindQueueOverflow:
		return "🌊"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}

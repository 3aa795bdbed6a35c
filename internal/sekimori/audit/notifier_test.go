package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
)

type fakeSender struct {
	rooms    []string
	messages []string
}

func (f *fakeSender) SendNotice(roomID, message string) error {
	f.rooms = append(f.rooms, roomID)
	f.messages = append(f.messages, message)
	return nil
}

func TestNotifyFormatsEvent(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!audit:example.org")

	ctx := reqid.WithRequestID(context.Background(), "01REQCCCCCCCCCCCCCCCCCCCCC")
	n.Notify(ctx, audit.Event{
		Kind:    audit.KindQueueOverflow,
		Client:  "ci",
		Target:  "yfinance",
		Message: "queue full, request rejected",
	})

	if len(sender.messages) != 1 {
		t.Fatalf("sent %d notices", len(sender.messages))
	}
	msg := sender.messages[0]
	for _, frag := range []string{"queue.overflow", "yfinance", "client: ci", "request: 01REQCCCCCCCCCCCCCCCCCCCCC"} {
		if !strings.Contains(msg, frag) {
			t.Errorf("notice missing %q:\n%s", frag, msg)
		}
	}
	if sender.rooms[0] != "!audit:example.org" {
		t.Errorf("room = %q", sender.rooms[0])
	}
}

func TestNotifyWithoutRoomIsSilent(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "")
	n.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
	if len(sender.messages) != 0 {
		t.Errorf("sent %d notices with no room configured", len(sender.messages))
	}
}

func TestAuthDenialsAreRateCapped(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!audit:example.org")

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), audit.Event{
			Kind:      audit.KindAuthDenied,
			Client:    "anonymous",
			Message:   "invalid token",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if len(sender.messages) != 5 {
		t.Errorf("sent %d denial notices in one window, want 5", len(sender.messages))
	}

	// A different client has its own window.
	n.Notify(context.Background(), audit.Event{
		Kind: audit.KindAuthDenied, Client: "ci", Message: "invalid token", Timestamp: base,
	})
	if len(sender.messages) != 6 {
		t.Errorf("second client's denial was suppressed")
	}

	// The window resets after a minute.
	n.Notify(context.Background(), audit.Event{
		Kind: audit.KindAuthDenied, Client: "anonymous", Message: "invalid token", Timestamp: base.Add(2 * time.Minute),
	})
	if len(sender.messages) != 7 {
		t.Errorf("denial after window reset was suppressed")
	}

	// Other kinds are never capped.
	for i := 0; i < 8; i++ {
		n.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "x", Timestamp: base})
	}
	if len(sender.messages) != 15 {
		t.Errorf("error notices were capped: %d", len(sender.messages))
	}
}

package audit

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixSender posts notices through a homeserver using a pre-provisioned
// access token.  The gateway never joins rooms or syncs; it only sends.
type MatrixSender struct {
	client *mautrix.Client
}

// NewMatrixSender creates a sender for the given homeserver and credentials.
func NewMatrixSender(homeserver, userID, accessToken string) (*MatrixSender, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	return &MatrixSender{client: client}, nil
}

// SendNotice posts a m.notice message to the room.
func (s *MatrixSender) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := s.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"github.com/nats-io/nats.go"
)

const pushSubjectPrefix = "push."

// Publisher is the subset of *nats.Conn used by PushSink.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// PushSink publishes the notice on push.<user_id> for the push gateway to fan out.
type PushSink struct {
	publisher Publisher
}

// NewPushSink wires a PushSink.
func NewPushSink(publisher Publisher) (*PushSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: push sink needs a publisher", ErrInvalidSinkConfig)
	}
	return &PushSink{publisher: publisher}, nil
}

type pushMessage struct {
	IntentID string         `json:"intent_id"`
	UserID   string         `json:"user_id"`
	Notice   credits.Notice `json:"notice"`
}

// Deliver implements credits.Sink.
func (sink *PushSink) Deliver(_ context.Context, intent credits.Intent) error {
	data, err := json.Marshal(pushMessage{IntentID: intent.IntentID, UserID: intent.UserID.String(), Notice: intent.Notice})
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	msg := nats.NewMsg(PushSubject(intent.UserID))
	msg.Header.Set(nats.MsgIdHdr, intent.IntentID)
	msg.Data = data
	if err := sink.publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// PushSubject returns the subject a user's devices listen on.
func PushSubject(userID credits.UserID) string {
	return pushSubjectPrefix + userID.String()
}

// ConnectNATS dials the push bus with reconnects enabled.
func ConnectNATS(url string, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(nats.DefaultReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Package realtime fans out outgoing mail events to websocket clients, Redis
// subscribers and a Kafka topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gotrs-io/gotrs-mail/internal/models"
	"github.com/gotrs-io/gotrs-mail/internal/outgoing"
)

// EventOutgoingMailSent is emitted once an API mail has been delivered
const EventOutgoingMailSent = "outgoing_mail_sent"

// Event is the payload delivered to every sink
type Event struct {
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *models.OutgoingMail `json:"data"`
}

// NewSentEvent builds the sent event of a mail. The generated message is left
// out of the payload.
func NewSentEvent(m *models.OutgoingMail, at time.Time) *Event {
	data := *m
	data.Message = ""
	data.RawMessage = ""
	return &Event{Event: EventOutgoingMailSent, Timestamp: at.UTC(), Data: &data}
}

func encode(ev *Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Event, err)
	}
	return payload, nil
}

func decode(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}

// Fanout publishes to every sink and reports all failures together
type Fanout []outgoing.Publisher

// PublishSent implements outgoing.Publisher
func (f Fanout) PublishSent(ctx context.Context, m *models.OutgoingMail) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishSent(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

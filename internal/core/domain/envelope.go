package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
)

// Participant is a user addressed by an envelope.
type Participant struct {
	ID   int64
	Name string
}

// UnmarshalJSON accepts both the broker contract keys (user_id, user_name)
// and the short form (id, name).
func (p *Participant) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       *int64 `json:"id"`
		UserID   *int64 `json:"user_id"`
		Name     string `json:"name"`
		UserName string `json:"user_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.UserID != nil:
		p.ID = *raw.UserID
	case raw.ID != nil:
		p.ID = *raw.ID
	default:
		return fmt.Errorf("participant id is required")
	}

	p.Name = raw.UserName
	if p.Name == "" {
		p.Name = raw.Name
	}
	return nil
}

// Envelope is the unit of work flowing from a publisher through the relay.
type Envelope struct {
	Type          EventType
	EventID       int64
	EventName     string
	InitiatorID   int64
	InitiatorName string
	Message       string
	Timestamp     string
	Participants  []Participant
}

// wireEnvelope mirrors the broker contract. Pointers distinguish absent
// fields from zero values.
type wireEnvelope struct {
	Type         *string           `json:"type"`
	EventID      *int64            `json:"event_id"`
	EventName    string            `json:"event_name"`
	UserID       *int64            `json:"user_id"`
	UserName     string            `json:"user_name"`
	Message      string            `json:"message"`
	Timestamp    *string           `json:"timestamp"`
	Participants []json.RawMessage `json:"participants"`
}

// DecodeEnvelope parses a broker payload. Any error it returns matches
// apperrors.ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEnvelope, err)
	}

	verrs := apperrors.NewValidationErrors()
	if wire.Type == nil || strings.TrimSpace(*wire.Type) == "" {
		verrs.Add("type", "is required")
	}
	if wire.EventID == nil {
		verrs.Add("event_id", "is required")
	}
	if wire.UserID == nil {
		verrs.Add("user_id", "is required")
	}
	if wire.Timestamp == nil || strings.TrimSpace(*wire.Timestamp) == "" {
		verrs.Add("timestamp", "is required")
	}
	if wire.Participants == nil {
		verrs.Add("participants", "is required")
	}

	participants := make([]Participant, 0, len(wire.Participants))
	for i, raw := range wire.Participants {
		var p Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			verrs.Add("participants["+strconv.Itoa(i)+"]", err.Error())
			continue
		}
		participants = append(participants, p)
	}

	if verrs.HasErrors() {
		return nil, verrs
	}

	return &Envelope{
		Type:          EventType(*wire.Type),
		EventID:       *wire.EventID,
		EventName:     wire.EventName,
		InitiatorID:   *wire.UserID,
		InitiatorName: wire.UserName,
		Message:       wire.Message,
		Timestamp:     *wire.Timestamp,
		Participants:  participants,
	}, nil
}

// DedupKey identifies a logical event for redelivery suppression.
// Type and message are not part of the key.
func (e *Envelope) DedupKey() string {
	return strconv.FormatInt(e.EventID, 10) + ":" + strconv.FormatInt(e.InitiatorID, 10) + ":" + e.Timestamp
}

// Recipients returns the distinct participant ids in first-seen order,
// without the initiator.
func (e *Envelope) Recipients() []int64 {
	seen := make(map[int64]struct{}, len(e.Participants))
	recipients := make([]int64, 0, len(e.Participants))
	for _, p := range e.Participants {
		if p.ID == e.InitiatorID {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		recipients = append(recipients, p.ID)
	}
	return recipients
}

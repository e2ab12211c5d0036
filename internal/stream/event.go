package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/chatturn/internal/models"
)

// EventKind classifies a record payload.
type EventKind int

const (
	// EventToken carries a fragment of assistant output.
	EventToken EventKind = iota + 1
	// EventDone reports that the backend finished the turn and carries the conversation id.
	EventDone
	// EventError carries an in-band error message.
	EventError
)

// Event is the classified content of one record. Only the field matching Kind is set.
type Event struct {
	Kind           EventKind
	Fragment       string
	ConversationID int64
	Message        string
}

// ErrMalformedRecord is returned by Interpret when a payload is not a JSON record.
var ErrMalformedRecord = errors.New("malformed stream record")

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Interpret classifies a record payload. An error message takes precedence over a completion flag
// in the same record, and a completion flag only counts when a conversation id accompanies it. The
// returned bool is false for records that carry nothing actionable.
func Interpret(payload string) (Event, bool, error) {
	var rec models.StreamRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Event{}, false, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	switch {
	case rec.Error != nil && *rec.Error != "":
		return Event{Kind: EventError, Message: *rec.Error}, true, nil
	case rec.Done != nil && *rec.Done && rec.ConversationID != nil:
		return Event{Kind: EventDone, ConversationID: *rec.ConversationID}, true, nil
	case rec.Chunk != nil && *rec.Chunk != "":
		return Event{Kind: EventToken, Fragment: *rec.Chunk}, true, nil
	}
	return Event{}, false, nil
}

package schema

// RawEvent is a captured inbound message as handed over by the platform listener.
//
// Address and Body are pointers so that an empty string (which some carriers emit)
// can be told apart from a field the listener never populated.
type RawEvent struct {
	// EventID is an optional idempotency key chosen by the listener. Re-submitting
	// the same EventID updates the pending record instead of creating a second one.
	EventID          string  `json:"eventId,omitempty"`
	Address          *string `json:"address"`
	Body             *string `json:"body"`
	CapturedAtMillis *int64  `json:"capturedAtMillis" validate:"required,gte=0"`
}

// NewRawEvent builds a fully populated RawEvent.
func NewRawEvent(address, body string, capturedAtMillis int64) RawEvent {
	return RawEvent{
		Address:          &address,
		Body:             &body,
		CapturedAtMillis: &capturedAtMillis,
	}
}

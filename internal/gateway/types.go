package gateway

// Downstream wire messages. Clients send actions, the gateway answers with
// acks; pushes are emitted separately by the broadcaster.

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	statusOK = "ok"

	typeError = "error"
)

// clientMessage is one inbound request frame.
type clientMessage struct {
	Action       string `json:"action"`
	InstrumentID string `json:"instrumentId"`

	// Venue is optional; the gateway's default venue applies when empty.
	Venue string `json:"venue,omitempty"`
}

// ackMessage confirms a subscribe/unsubscribe.
type ackMessage struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	InstrumentID string `json:"instrumentId"`
	Message      string `json:"message,omitempty"`
}

// errorMessage reports a rejected request. The session's state is
// unchanged when one of these goes out.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

package nats

// NotificationEvent is the wire format for notification events published to
// JetStream. It carries the stable identity and display fields of a newly
// merged notification record; the raw payload never leaves the store.
type NotificationEvent struct {
	ID            string `json:"id"`
	CardReference string `json:"card_reference,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Status        string `json:"status"`
	ReceivedAt    string `json:"received_at"`
}

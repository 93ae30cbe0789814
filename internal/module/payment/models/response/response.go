package response

type Checkout struct {
	TransactionID string `json:"transaction_id"`
	Provider      string `json:"provider"`
	Status        string `json:"status"`
	ExternalRef   string `json:"external_ref"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

type Payment struct {
	TransactionID         string   `json:"transaction_id"`
	BookingID             int64    `json:"booking_id"`
	Provider              string   `json:"provider"`
	ExternalTransactionID string   `json:"external_transaction_id,omitempty"`
	Status                string   `json:"status"`
	Amount                string   `json:"amount"`
	Currency              string   `json:"currency"`
	RefundedAmount        string   `json:"refunded_amount"`
	CreatedAt             string   `json:"created_at"`
	CompletedAt           string   `json:"completed_at,omitempty"`
	Refunds               []Refund `json:"refunds,omitempty"`
}

type Refund struct {
	ID               string `json:"id"`
	TransactionID    string `json:"transaction_id"`
	Amount           string `json:"amount"`
	Reason           string `json:"reason"`
	Status           string `json:"status"`
	ProviderRefundID string `json:"provider_refund_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type Anomaly struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Provider      string `json:"provider"`
	RawEventID    string `json:"raw_event_id"`
	BookingID     int64  `json:"booking_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Detail        string `json:"detail"`
	Resolved      bool   `json:"resolved"`
	CreatedAt     string `json:"created_at"`
}

type WebhookAck struct {
	Outcome string `json:"outcome"`
}

type OutcomeMessage struct {
	BookingID     int64  `json:"booking_id"`
	TransactionID string `json:"transaction_id"`
	Outcome       string `json:"outcome"`
	OccurredAt    string `json:"occurred_at"`
}

package billing

import "time"

// ErrorKind tags a failed billing outcome with its cause.
type ErrorKind string

const (
	// ErrorNoTokenData marks an extraction miss with no emergency fallback
	// requested. Each one is a potential silent revenue loss, so it is
	// recorded as an audit event.
	ErrorNoTokenData ErrorKind = "NO_TOKEN_DATA"
	// ErrorDebitFailed marks a datastore failure during balance lookup or
	// debit.
	ErrorDebitFailed ErrorKind = "DEBIT_FAILED"
)

// Outcome is the result of one billing attempt. Exactly one Outcome is
// appended to the ledger per Bill call, regardless of branch taken.
type Outcome struct {
	CallID            string    `json:"call_id"`
	Endpoint          string    `json:"endpoint"`
	Tokens            int       `json:"tokens"`
	Points            int       `json:"points"`
	CostUSD           float64   `json:"cost_usd"`
	NewBalance        *int      `json:"new_balance"`
	Success           bool      `json:"success"`
	IsGuest           bool      `json:"is_guest"`
	EmergencyFallback bool      `json:"emergency_fallback"`
	Error             ErrorKind `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

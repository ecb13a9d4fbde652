package handlers

import (
	"dify-gateway/internal/app"
	"encoding/json"
	"net/http"
)

// BillingHandlers serves the billing observability surface
type BillingHandlers struct {
	config *app.Config
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(config *app.Config) *BillingHandlers {
	return &BillingHandlers{config: config}
}

// StatsHandler returns the ledger snapshot: aggregate counters, the last
// outcomes and a derived health status.
func (bh *BillingHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := bh.config.Ledger.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

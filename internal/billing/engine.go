package billing

import (
	"dify-gateway/internal/config"
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/usage"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Per-endpoint floors for the synthesized emergency token count. The
// floors differ because the endpoints carry payloads of different typical
// sizes.
var emergencyFloors = map[string]int{
	"chat":        100,
	"chat-stream": 120,
	"workflow":    160,
}

const defaultEmergencyFloor = 100

// SourceEmergency tags usage records synthesized by the emergency path.
const SourceEmergency usage.Source = "emergency_fallback"

// Options tunes a single Bill call.
type Options struct {
	// EmergencyFallback synthesizes a usage record when extraction finds
	// none, guaranteeing a non-zero charge.
	EmergencyFallback bool
	// MessageLength is the user message length in bytes, used to size the
	// synthesized record.
	MessageLength int
	// Headers are the upstream transport headers, checked before the body.
	Headers http.Header
}

// Engine converts extracted (or synthesized) token usage into a credit
// debit against the user's balance. Accounting failures are absorbed into
// failed outcomes; they never abort the chat response.
type Engine struct {
	db        db.Database
	extractor *usage.Extractor
	ledger    *Ledger
	identity  *IdentityResolver
	guests    *GuestCreditPolicy
	cfg       config.BillingConfig
}

// NewEngine wires a billing engine.
func NewEngine(database db.Database, extractor *usage.Extractor, ledger *Ledger, identity *IdentityResolver, guests *GuestCreditPolicy, cfg config.BillingConfig) *Engine {
	return &Engine{
		db:        database,
		extractor: extractor,
		ledger:    ledger,
		identity:  identity,
		guests:    guests,
		cfg:       cfg,
	}
}

// Bill extracts usage from the upstream response and debits the user.
// Every call appends exactly one Outcome to the ledger. When extraction
// finds no data and no emergency fallback was requested, the outcome is a
// zero-point failure tagged NO_TOKEN_DATA; the orchestrator is expected to
// retry once with Options.EmergencyFallback set.
func (e *Engine) Bill(responseBody []byte, userID, endpoint string, opts Options) Outcome {
	outcome := Outcome{
		CallID:            newCallID(endpoint),
		Endpoint:          endpoint,
		EmergencyFallback: opts.EmergencyFallback,
		Timestamp:         time.Now(),
	}
	defer func(o *Outcome) { e.ledger.Record(*o) }(&outcome)

	rec, ok := e.extractor.Extract(responseBody, opts.Headers)
	if !ok || rec.TotalTokens <= 0 {
		if !opts.EmergencyFallback {
			logger.Log.WithFields(logrus.Fields{
				"call_id":  outcome.CallID,
				"endpoint": endpoint,
				"audit":    string(ErrorNoTokenData),
			}).Error("No token usage data in upstream response, potential billing loss")
			outcome.Error = ErrorNoTokenData
			return outcome
		}
		rec = e.synthesize(endpoint, opts.MessageLength)
		logger.Log.WithFields(logrus.Fields{
			"call_id": outcome.CallID,
			"tokens":  rec.TotalTokens,
		}).Warn("Billing with synthesized emergency usage record")
	}

	outcome.Tokens = rec.TotalTokens
	outcome.CostUSD = rec.TotalPriceUSD
	outcome.Points = e.creditCost(rec.TotalPriceUSD)

	e.debit(&outcome, userID)
	return outcome
}

// creditCost converts a USD cost into account credits.
func (e *Engine) creditCost(costUSD float64) int {
	return int(math.Ceil(costUSD * e.cfg.ProfitMargin * e.cfg.ExchangeRate))
}

// synthesize builds the guaranteed-non-zero emergency usage record:
// tokens = max(endpoint floor, ceil(messageLength / 3)).
func (e *Engine) synthesize(endpoint string, messageLength int) *usage.Record {
	floor, ok := emergencyFloors[endpoint]
	if !ok {
		floor = defaultEmergencyFloor
	}
	tokens := int(math.Ceil(float64(messageLength) / 3))
	if tokens < floor {
		tokens = floor
	}
	return &usage.Record{
		TotalTokens:   tokens,
		TotalPriceUSD: float64(tokens) * e.cfg.DefaultUnitPrice,
		Source:        SourceEmergency,
	}
}

// debit charges the outcome's points against the resolved account, or the
// in-process guest balance when no account row exists.
func (e *Engine) debit(outcome *Outcome, userID string) {
	resolved := e.identity.Resolve(userID)

	user, err := e.db.GetUser(resolved)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			newBalance := e.guests.Debit(resolved, outcome.Points)
			outcome.NewBalance = &newBalance
			outcome.Success = true
			outcome.IsGuest = true
			logger.Log.WithFields(logrus.Fields{
				"call_id":     outcome.CallID,
				"points":      outcome.Points,
				"new_balance": newBalance,
			}).Info("Debited guest balance")
			return
		}

		logger.Log.WithError(err).WithField("call_id", outcome.CallID).Error("Balance lookup failed")
		outcome.Error = ErrorDebitFailed
		return
	}

	newBalance := user.Balance - outcome.Points
	if newBalance < 0 {
		newBalance = 0
	}

	if err := e.db.UpdateUserBalance(user.ID, newBalance); err != nil {
		logger.Log.WithError(err).WithField("call_id", outcome.CallID).Error("Balance debit failed")
		// Report the pre-debit balance so reconciliation has a reference
		preDebit := user.Balance
		outcome.NewBalance = &preDebit
		outcome.Error = ErrorDebitFailed
		return
	}

	outcome.NewBalance = &newBalance
	outcome.Success = true
	logger.Log.WithFields(logrus.Fields{
		"call_id":     outcome.CallID,
		"user_id":     user.ID,
		"points":      outcome.Points,
		"new_balance": newBalance,
	}).Info("Debited user balance")
}

func newCallID(endpoint string) string {
	return fmt.Sprintf("%s-%d-%06d", endpoint, time.Now().UnixMilli(), rand.Intn(1000000))
}

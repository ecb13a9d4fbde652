package usage

import (
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
)

// Record is the normalized usage report derived from one upstream response.
// It is ephemeral; only the credit cost computed from it is persisted.
type Record struct {
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	TotalPriceUSD    float64
	Model            string
	Source           Source
}

// Source identifies which extraction strategy produced a record.
type Source string

const (
	SourceHeaders      Source = "transport_headers"
	SourceBodyMetadata Source = "body_metadata_usage"
	SourceBodyUsage    Source = "body_usage"
	SourceHeuristic    Source = "heuristic_fields"
)

// Transport headers some deployments use to carry usage out-of-band.
const (
	headerUsage       = "X-Usage"
	headerTotalTokens = "X-Usage-Total-Tokens"
	headerTotalPrice  = "X-Usage-Total-Price"
)

// heuristicFallbackTokens is charged when a token-ish field exists on the
// body but carries no usable number.
const heuristicFallbackTokens = 100

// Extractor inspects an upstream response body and transport headers under
// a fixed priority order and returns a normalized usage record. Transport
// metadata is checked before body fields because it has proven the more
// reliable of the two in practice.
type Extractor struct {
	unitPrice float64
}

// NewExtractor creates an Extractor pricing unpriced token counts at
// unitPrice USD per token.
func NewExtractor(unitPrice float64) *Extractor {
	return &Extractor{unitPrice: unitPrice}
}

type strategy func(body []byte, header http.Header) (*Record, bool)

// Extract tries each strategy in priority order and returns the first
// match, or (nil, false) when the response carries no usage data at all.
func (e *Extractor) Extract(body []byte, header http.Header) (*Record, bool) {
	strategies := []strategy{
		e.fromHeaders,
		e.fromBodyMetadata,
		e.fromBodyUsage,
		e.fromHeuristicFields,
	}

	for _, s := range strategies {
		if rec, ok := s(body, header); ok {
			return rec, true
		}
	}
	return nil, false
}

// fromHeaders reads a header-carried usage block: either a JSON blob in
// X-Usage or the X-Usage-Total-Tokens / X-Usage-Total-Price pair.
func (e *Extractor) fromHeaders(_ []byte, header http.Header) (*Record, bool) {
	if header == nil {
		return nil, false
	}

	if blob := header.Get(headerUsage); blob != "" {
		parsed := gjson.Parse(blob)
		total := int(parsed.Get("total_tokens").Int())
		if total > 0 {
			rec := &Record{
				TotalTokens:      total,
				PromptTokens:     int(parsed.Get("prompt_tokens").Int()),
				CompletionTokens: int(parsed.Get("completion_tokens").Int()),
				Model:            parsed.Get("model").String(),
				Source:           SourceHeaders,
			}
			rec.TotalPriceUSD = e.priceFor(total, parsed.Get("total_price"))
			return rec, true
		}
	}

	if raw := header.Get(headerTotalTokens); raw != "" {
		total, err := strconv.Atoi(raw)
		if err == nil && total > 0 {
			rec := &Record{TotalTokens: total, Source: SourceHeaders}
			if price, err := strconv.ParseFloat(header.Get(headerTotalPrice), 64); err == nil && price > 0 {
				rec.TotalPriceUSD = price
			} else {
				rec.TotalPriceUSD = float64(total) * e.unitPrice
			}
			return rec, true
		}
	}

	return nil, false
}

// fromBodyMetadata reads the canonical blocking-mode shape
// metadata.usage.total_tokens.
func (e *Extractor) fromBodyMetadata(body []byte, _ http.Header) (*Record, bool) {
	return e.fromUsagePath(body, "metadata.usage", SourceBodyMetadata)
}

// fromBodyUsage reads the alternate top-level shape usage.total_tokens.
func (e *Extractor) fromBodyUsage(body []byte, _ http.Header) (*Record, bool) {
	return e.fromUsagePath(body, "usage", SourceBodyUsage)
}

func (e *Extractor) fromUsagePath(body []byte, path string, source Source) (*Record, bool) {
	block := gjson.GetBytes(body, path)
	if !block.Exists() {
		return nil, false
	}

	total := int(block.Get("total_tokens").Int())
	if total <= 0 {
		return nil, false
	}

	rec := &Record{
		TotalTokens:      total,
		PromptTokens:     int(block.Get("prompt_tokens").Int()),
		CompletionTokens: int(block.Get("completion_tokens").Int()),
		Model:            block.Get("model").String(),
		Source:           source,
	}
	rec.TotalPriceUSD = e.priceFor(total, block.Get("total_price"))
	return rec, true
}

// fromHeuristicFields scans the whole body for any token_usage/tokens field
// as a last resort before declaring no data. A field that exists but
// carries no number is charged the fixed fallback count. The heuristic
// source is always priced at the default unit price.
func (e *Extractor) fromHeuristicFields(body []byte, _ http.Header) (*Record, bool) {
	tokens, found := findTokenField(gjson.ParseBytes(body))
	if !found {
		return nil, false
	}
	if tokens <= 0 {
		tokens = heuristicFallbackTokens
	}
	return &Record{
		TotalTokens:   tokens,
		TotalPriceUSD: float64(tokens) * e.unitPrice,
		Source:        SourceHeuristic,
	}, true
}

// findTokenField walks the JSON tree depth-first for a key named
// "token_usage" or "tokens" and returns its numeric value, if any.
func findTokenField(v gjson.Result) (int, bool) {
	var tokens int
	var found bool

	var walk func(gjson.Result) bool
	walk = func(node gjson.Result) bool {
		if !node.IsObject() && !node.IsArray() {
			return true
		}
		stop := false
		node.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if name == "token_usage" || name == "tokens" {
				found = true
				switch value.Type {
				case gjson.Number:
					tokens = int(value.Int())
				default:
					if value.IsObject() {
						tokens = int(value.Get("total_tokens").Int())
					}
				}
				stop = true
				return false
			}
			if !walk(value) {
				stop = true
				return false
			}
			return true
		})
		return !stop
	}
	walk(v)

	return tokens, found
}

// priceFor returns the reported price when present, falling back to the
// default unit price otherwise. Dify reports total_price as a string, so
// both numeric and string values are accepted.
func (e *Extractor) priceFor(totalTokens int, price gjson.Result) float64 {
	if price.Exists() {
		if p := price.Float(); p > 0 {
			return p
		}
	}
	return float64(totalTokens) * e.unitPrice
}

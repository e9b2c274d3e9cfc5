// Package market handles trading symbol parsing and validation, and
// derivation of the quote asset a position's margin is held in.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Quote assets recognised on concatenated symbols such as BTCUSDT.
// Ordered longest first so USDT wins over USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// symbolRegex matches: {BASE}{sep}{QUOTE} or {BASE}{QUOTE}
// Examples: BTCUSDT, BTC-USDT, btc/usdt
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})(?:[-/_]([A-Z0-9]{2,10}))?$`)

var (
	ErrInvalidSymbol = errors.New("market: invalid symbol format")
	ErrUnknownQuote  = errors.New("market: unrecognised quote asset")
)

// Symbol is a parsed trading pair.
type Symbol struct {
	Ticker string `json:"ticker"` // canonical BASEQUOTE form
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// String returns the canonical ticker.
func (s Symbol) String() string { return s.Ticker }

// ParseSymbol parses and validates a symbol string.
// Format: {BASE}[-/_]{QUOTE} or {BASE}{QUOTE} with a known quote suffix.
func ParseSymbol(raw string) (*Symbol, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(upper)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASEQUOTE or BASE-QUOTE)", ErrInvalidSymbol, raw)
	}

	base, quote := matches[1], matches[2]
	if quote == "" {
		var ok bool
		base, quote, ok = splitKnownQuote(base)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, upper)
		}
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base equals quote in %s", ErrInvalidSymbol, upper)
	}

	return &Symbol{
		Ticker: base + quote,
		Base:   base,
		Quote:  quote,
	}, nil
}

// Canonical returns the BASEQUOTE form of raw, or raw upper-cased if it
// cannot be parsed.
func Canonical(raw string) string {
	s, err := ParseSymbol(raw)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(raw))
	}
	return s.Ticker
}

func splitKnownQuote(ticker string) (base, quote string, ok bool) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(ticker, q) && len(ticker) > len(q)+1 {
			return strings.TrimSuffix(ticker, q), q, true
		}
	}
	return "", "", false
}

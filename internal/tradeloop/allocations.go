package tradeloop

import (
	"fmt"
	"math"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/store"
)

// symbolPattern matches a symbol-shaped allocation key: uppercase
// alphanumerics, optionally suffixed with "-USD" for a crypto instrument.
// A strategy-identifier key such as "turtle_trading" or "mean_reversion_rsi"
// contains lowercase letters and an underscore, which this pattern rejects.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+(-USD)?$`)

// allocationSumEpsilon is the tolerance on the sum-of-fractions bound:
// floating error pushing the total slightly over 1 is accepted, anything
// beyond it rejects the file.
const allocationSumEpsilon = 0.01

// looksLikeSymbolMap reports whether every key in m matches symbolPattern.
// A single non-symbol key is enough to reject the whole file as strategy
// weights rather than symbol allocations.
func looksLikeSymbolMap(m domain.AllocationMap) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !symbolPattern.MatchString(string(key)) {
			return false
		}
	}
	return true
}

// validateAllocationSum rejects a map whose fractions sum to materially
// more than 1.
func validateAllocationSum(m domain.AllocationMap) bool {
	return m.Sum() <= 1+allocationSumEpsilon
}

// loadAllocations reads the primary allocations_override.json; if its keys
// fail the symbol pattern check or its fractions sum too high, it is
// discarded (logging why) in favor of the secondary, authoritative
// symbol-keyed allocations_symbols.json. Returns the accepted map and which
// file produced it, or an error if neither file is usable.
func loadAllocations(overridePath, symbolsPath string, log zerolog.Logger) (domain.AllocationMap, string, error) {
	if m, err := readAllocationFile(overridePath); err == nil {
		if !looksLikeSymbolMap(m) {
			log.Info().Str("file", overridePath).Msg("allocations file looks like strategy weights, not symbol allocations; falling back")
		} else if !validateAllocationSum(m) {
			log.Warn().Str("file", overridePath).Float64("sum", m.Sum()).Msg("allocations sum exceeds tolerance; falling back")
		} else {
			return m, overridePath, nil
		}
	} else if !store.Exists(overridePath) {
		log.Debug().Str("file", overridePath).Msg("primary allocations file absent; falling back")
	} else {
		log.Warn().Err(err).Str("file", overridePath).Msg("primary allocations file unreadable; falling back")
	}

	m, err := readAllocationFile(symbolsPath)
	if err != nil {
		return nil, "", fmt.Errorf("load fallback allocations %s: %w", symbolsPath, err)
	}
	if !looksLikeSymbolMap(m) {
		return nil, "", fmt.Errorf("fallback allocations %s: keys are not symbol-shaped", symbolsPath)
	}
	if !validateAllocationSum(m) {
		return nil, "", fmt.Errorf("fallback allocations %s: fractions sum to %.4f, exceeds tolerance", symbolsPath, m.Sum())
	}
	return m, symbolsPath, nil
}

func readAllocationFile(path string) (domain.AllocationMap, error) {
	var m domain.AllocationMap
	if err := store.ReadJSON(path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// brainState is the external risk-scaler/confidence signal read each tick
// from runtime/brain_state.json. An absent file falls back to scaler 1.0 /
// confidence 0.5 rather than failing the tick.
type brainState struct {
	RiskScaler float64 `json:"risk_scaler"`
	Confidence float64 `json:"confidence"`
}

func readBrainState(path string) brainState {
	bs := brainState{RiskScaler: 1.0, Confidence: 0.5}
	var onDisk brainState
	if err := store.ReadJSON(path, &onDisk); err != nil {
		return bs
	}
	if onDisk.RiskScaler >= 0 && onDisk.RiskScaler <= 1 {
		bs.RiskScaler = onDisk.RiskScaler
	}
	if onDisk.Confidence >= 0 && onDisk.Confidence <= 1 {
		bs.Confidence = onDisk.Confidence
	}
	return bs
}

// guardianPause is the shape of state/guardian_pause.json.
type guardianPause struct {
	Paused bool `json:"paused"`
}

func isGuardianPaused(path string) bool {
	var gp guardianPause
	if err := store.ReadJSON(path, &gp); err != nil {
		return false
	}
	return gp.Paused
}

// minTradeFraction returns the minimum trade size fraction for symbol's
// class: 1% for crypto, 0.5% for equities.
func minTradeFraction(symbol domain.Symbol, cryptoFraction, equityFraction float64) float64 {
	if symbol.IsCrypto() {
		return cryptoFraction
	}
	return equityFraction
}

// targetValue computes the sizing target: portfolio value times the
// allocation fraction times the risk scaler, with the minimum-trade-size
// floor substituted for any fraction under 1%. The risk scaler is applied
// here, once, and never again at order-sizing time.
func targetValue(symbol domain.Symbol, fraction, riskScaler, portfolioValue, minCryptoFraction, minEquityFraction float64) float64 {
	effective := fraction
	if effective < 0.01 {
		effective = minTradeFraction(symbol, minCryptoFraction, minEquityFraction)
	}
	return portfolioValue * effective * riskScaler
}

// buyThreshold returns the current-value-vs-target threshold below which a
// BUY is sized: 0.98 for crypto, 0.95 for equities.
func buyThreshold(symbol domain.Symbol, cryptoThreshold, equityThreshold float64) float64 {
	if symbol.IsCrypto() {
		return cryptoThreshold
	}
	return equityThreshold
}

// roundToMinQty raises a raw quantity below minQty to minQty and returns
// any other quantity unchanged; it does not round to a multiple of minQty.
func roundToMinQty(qty, minQty float64) float64 {
	if qty < minQty {
		return minQty
	}
	return math.Max(qty, 0)
}

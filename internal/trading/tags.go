package trading

import (
	"strings"

	"equity-trader/internal/models"
)

// reasonKeywords maps free-text exit reasons to tags. Earlier entries win.
var reasonKeywords = []struct {
	tag      models.OrderTag
	keywords []string
}{
	{models.TagPartialExit, []string{"partial", "scale out", "scale-out", "scaleout"}},
	{models.TagStopLoss, []string{"stop loss", "stop-loss", "stoploss", "stop_loss", "stopped out", "trailing stop"}},
	{models.TagTakeProfit, []string{"take profit", "take-profit", "take_profit", "target hit", "profit target", "roi"}},
}

// ClassifyExitReason maps a legacy free-text exit reason to an order tag.
// Callers that know why they close pass the tag directly; this is the
// fallback. Unrecognised reasons classify as a plain exit.
func ClassifyExitReason(reason string) models.OrderTag {
	r := strings.ToLower(reason)
	for _, entry := range reasonKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(r, kw) {
				return entry.tag
			}
		}
	}
	return models.TagExit
}

// exitTag resolves the tag of a close: an explicit tag wins over the reason.
func exitTag(tag models.OrderTag, reason string) models.OrderTag {
	switch tag {
	case models.TagStopLoss, models.TagTakeProfit, models.TagPartialExit, models.TagExit:
		return tag
	}
	return ClassifyExitReason(reason)
}

// isStopLossExit reports whether a closed trade exited on its stop.
func isStopLossExit(t models.Trade) bool {
	if t.ExitTag != "" {
		return t.ExitTag == models.TagStopLoss
	}
	return ClassifyExitReason(t.ExitReason) == models.TagStopLoss
}

// gateReason is the exit reason handed to the protection rules. A stop-loss
// close keeps its tag even when the free text does not say so.
func gateReason(tag models.OrderTag, reason string) string {
	if tag == models.TagStopLoss && ClassifyExitReason(reason) != models.TagStopLoss {
		return "stoploss: " + reason
	}
	return reason
}

package cli

import (
	"fmt"
	"time"

	"equity-trader/internal/models"
	"equity-trader/pkg/utils"
)

// FormatPrice formats a price, keeping sub-dollar precision for penny stocks.
func FormatPrice(price float64) string {
	if price <= 0 {
		return "-"
	}
	if price < 1 {
		return fmt.Sprintf("$%.4f", price)
	}
	return utils.FormatCurrency(price)
}

// FormatDateTime formats a timestamp in the local zone.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// FormatOrderStatus colors an order status by outcome.
func (o *Output) FormatOrderStatus(s models.OrderStatus) string {
	switch s {
	case models.OrderFilled:
		return o.Green(string(s))
	case models.OrderFailed, models.OrderCancelled:
		return o.Red(string(s))
	case models.OrderPartiallyFilled:
		return o.Yellow(string(s))
	default:
		return string(s)
	}
}

// FormatProtection flags positions without a working stop.
func (o *Output) FormatProtection(p models.Protection) string {
	if p == models.ProtectionUnprotected {
		return o.Red("UNPROTECTED")
	}
	return o.Green("protected")
}

// lockTarget renders the symbol of a lock, naming the global one.
func lockTarget(l *models.PairLock) string {
	if l.IsGlobal() {
		return "ALL"
	}
	return l.Symbol
}

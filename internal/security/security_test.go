package security

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"equity-trader/internal/broker"
	"equity-trader/internal/models"
)

func readEvents(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func newTestAuditLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	al, err := NewAuditLogger(DefaultAuditConfig(path))
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	al.now = func() time.Time { return time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { al.Close() })
	return al, path
}

func TestAuditedClient_RecordsSubmissionsAndCancels(t *testing.T) {
	ctx := context.Background()
	al, path := newTestAuditLogger(t)

	paper := broker.NewPaperBroker(broker.PaperConfig{InitialCash: 10000})
	paper.SetPrice("AAPL", 100)
	client := NewAuditedClient(paper, al)

	if _, err := client.PlaceMarketOrder(ctx, broker.MarketOrderRequest{Ticker: "AAPL", Side: models.OrderSideBuy, Quantity: 10}); err != nil {
		t.Fatal(err)
	}
	stop, err := client.PlaceStopOrder(ctx, broker.StopOrderRequest{Ticker: "AAPL", Side: models.OrderSideSell, Quantity: 10, StopPrice: 95})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.GetOrder(ctx, stop.ID); err != nil {
		t.Fatal(err)
	}
	if err := client.CancelOrder(ctx, stop.ID); err != nil {
		t.Fatal(err)
	}

	paper.FailOn(broker.OpLimit, errors.New("insufficient buying power"))
	if _, err := client.PlaceLimitOrder(ctx, broker.LimitOrderRequest{Ticker: "AAPL", Side: models.OrderSideSell, Quantity: 10, LimitPrice: 110}); err == nil {
		t.Fatal("expected the injected failure")
	}

	lines := readEvents(t, path)
	if len(lines) != 4 {
		t.Fatalf("got %d audit lines, want 4 (status queries are not audited):\n%s", len(lines), strings.Join(lines, "\n"))
	}
	wants := []string{`"ORDER_PLACED"`, `"order_type":"stop"`, `"ORDER_CANCELLED"`, `"ORDER_REJECTED"`}
	for i, want := range wants {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %s, want it to contain %s", i, lines[i], want)
		}
		if !strings.Contains(lines[i], al.SessionID()) {
			t.Errorf("line %d missing session id", i)
		}
	}
	if !strings.Contains(lines[3], "insufficient buying power") {
		t.Errorf("rejection should carry the error: %s", lines[3])
	}
}

func TestAuditLogger_NilDiscards(t *testing.T) {
	var al *AuditLogger
	if err := al.LogOrderCancelled(context.Background(), "x", nil); err != nil {
		t.Errorf("nil logger returned %v", err)
	}
	if err := al.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestNewAuditLogger_RequiresPath(t *testing.T) {
	if _, err := NewAuditLogger(AuditConfig{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		symbol  string
		wantErr bool
	}{
		{"AAPL", false},
		{" msft ", false},
		{"BRK.B", false},
		{"BF-B", false},
		{"", true},
		{"TOOLONG", true},
		{"AAPL;DROP", true},
		{"12AB", true},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
			var verr *ValidationError
			if err != nil && !errors.As(err, &verr) {
				t.Errorf("error %v is not a ValidationError", err)
			}
		})
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("reason", "stop loss hit", 40); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateText("reason", strings.Repeat("x", 41), 40); err == nil {
		t.Error("expected a length error")
	}
	if err := ValidateText("reason", "line\nbreak", 40); err == nil {
		t.Error("expected a control character error")
	}
}

func TestMaskCredential(t *testing.T) {
	tests := map[string]string{
		"":                     "",
		"abc":                  "***",
		"abcdefg":              "ab*****",
		"PKABCDEFGHIJKLMNWXYZ": "PKAB************WXYZ",
	}
	for in, want := range tests {
		if got := MaskCredential(in); got != want {
			t.Errorf("MaskCredential(%q) = %q, want %q", in, got, want)
		}
	}
	if got := MaskSensitive("auth failed for key PKABCDEFGHIJKLMNWXYZ"); strings.Contains(got, "PKABCDEFGHIJKLMNWXYZ") {
		t.Errorf("key id not masked: %s", got)
	}
}

// Masking never lengthens or shortens the value and never reveals more
// than the outer four characters on each side.
func TestProperty_MaskCredentialKeepsLength(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("mask preserves length", prop.ForAll(
		func(s string) bool {
			return len(MaskCredential(s)) == len(s)
		},
		gen.AlphaString(),
	))

	properties.Property("long values hide the middle", prop.ForAll(
		func(s string) bool {
			if len(s) <= 8 {
				return true
			}
			masked := MaskCredential(s)
			return strings.Trim(masked[4:len(masked)-4], "*") == ""
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

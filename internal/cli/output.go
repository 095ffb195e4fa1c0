package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"equity-trader/pkg/utils"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

var ansiPattern = regexp.MustCompile("\033\\[[0-9;]*m")

// Output writes command results as text or, with --json, as indented JSON.
// Color is used only when writing to a terminal.
type Output struct {
	w     io.Writer
	json  bool
	color bool
}

func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{w: w, json: jsonMode, color: !jsonMode && isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func (o *Output) IsJSON() bool { return o.json }

func (o *Output) JSON(data any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (o *Output) Println(args ...any)               { fmt.Fprintln(o.w, args...) }
func (o *Output) Printf(format string, args ...any) { fmt.Fprintf(o.w, format, args...) }

func (o *Output) Success(format string, args ...any) { o.line(ansiGreen, format, args...) }
func (o *Output) Error(format string, args ...any)   { o.line(ansiRed, format, args...) }
func (o *Output) Warning(format string, args ...any) { o.line(ansiYellow, format, args...) }
func (o *Output) Info(format string, args ...any)    { o.line(ansiCyan, format, args...) }
func (o *Output) Bold(format string, args ...any)    { o.line(ansiBold, format, args...) }
func (o *Output) Dim(format string, args ...any)     { o.line(ansiDim, format, args...) }

func (o *Output) line(color, format string, args ...any) {
	fmt.Fprintln(o.w, o.paint(color, fmt.Sprintf(format, args...)))
}

func (o *Output) paint(color, text string) string {
	if !o.color {
		return text
	}
	return color + text + ansiReset
}

func (o *Output) Green(text string) string  { return o.paint(ansiGreen, text) }
func (o *Output) Red(text string) string    { return o.paint(ansiRed, text) }
func (o *Output) Yellow(text string) string { return o.paint(ansiYellow, text) }

// FormatPnL renders a signed amount, green for gains and red for losses.
func (o *Output) FormatPnL(pnl float64) string {
	return o.paint(signColor(pnl), utils.FormatPnL(pnl))
}

func (o *Output) FormatPercent(pct float64) string {
	return o.paint(signColor(pct), utils.FormatPercent(pct))
}

func signColor(v float64) string {
	switch {
	case v > 0:
		return ansiGreen
	case v < 0:
		return ansiRed
	}
	return ansiReset
}

// Table buffers rows and prints them in aligned columns.
type Table struct {
	headers []string
	rows    [][]string
	out     *Output
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{headers: headers, out: out}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], visibleLen(cell))
			}
		}
	}

	t.printRow(t.headers, widths, ansiBold)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	t.out.Println(t.out.paint(ansiDim, strings.Join(sep, "--")))
	for _, row := range t.rows {
		t.printRow(row, widths, "")
	}
}

func (t *Table) printRow(cells []string, widths []int, color string) {
	parts := make([]string, 0, len(widths))
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padded := cell + strings.Repeat(" ", max(0, widths[i]-visibleLen(cell)))
		if color != "" {
			padded = t.out.paint(color, padded)
		}
		parts = append(parts, padded)
	}
	t.out.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

func visibleLen(s string) int {
	return len(ansiPattern.ReplaceAllString(s, ""))
}

// Package ui renders sell intent progress on a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/tathienbao/maker-exec/internal/execution"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

var sparks = []rune("▁▂▃▄▅▆▇█")

// StatusLine redraws a single line per status event. On a terminal the
// line is updated in place with colour; otherwise each event is written
// as a plain line.
type StatusLine struct {
	w           io.Writer
	interactive bool
	width       int

	requested decimal.Decimal
	floor     decimal.Decimal
	asks      []decimal.Decimal
	maxAsks   int
	lastState execution.State
	rendered  bool
}

// NewStatusLine creates a status line for an intent of the given size and
// floor. Writing to os.Stdout on a terminal enables in-place redraw.
func NewStatusLine(w io.Writer, requested, floor decimal.Decimal) *StatusLine {
	s := &StatusLine{
		w:         w,
		width:     80,
		requested: requested,
		floor:     floor,
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s.interactive = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			s.width = width
		}
	}
	s.maxAsks = s.width / 4
	if s.maxAsks < 10 {
		s.maxAsks = 10
	}
	return s
}

// Start hides the cursor on a terminal.
func (s *StatusLine) Start() {
	if s.interactive {
		fmt.Fprint(s.w, HideCursor)
	}
}

// Stop restores the cursor and ends the line.
func (s *StatusLine) Stop() {
	if s.interactive {
		fmt.Fprint(s.w, ShowCursor)
		fmt.Fprintln(s.w)
	}
}

// Render draws ev.
func (s *StatusLine) Render(ev execution.StatusEvent) {
	if ev.BestAsk.IsPositive() {
		s.asks = append(s.asks, ev.BestAsk)
		if len(s.asks) > s.maxAsks {
			s.asks = s.asks[1:]
		}
	}

	if !s.interactive {
		// Plain output logs transitions only.
		if s.rendered && ev.State == s.lastState && !ev.Terminal() {
			return
		}
		s.lastState, s.rendered = ev.State, true
		fmt.Fprintln(s.w, s.Format(ev))
		return
	}
	s.lastState, s.rendered = ev.State, true

	line := s.Format(ev)
	if ev.BestAsk.IsPositive() {
		line += " " + s.colorAsk(ev.BestAsk) + Sparkline(s.asks) + ColorReset
	}
	fmt.Fprint(s.w, ClearLine+MoveToStart+line)
	if ev.Terminal() {
		fmt.Fprintln(s.w)
	}
}

// Format returns the uncoloured text for ev.
func (s *StatusLine) Format(ev execution.StatusEvent) string {
	state := ev.State.String()
	if ev.Terminal() {
		state = ev.Outcome.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-9s %s/%s %s", ev.Instrument, state,
		ev.FilledTotal.String(), s.requested.String(), ProgressBar(ev.FilledTotal, s.requested, 20))
	if ev.OrderID != "" {
		fmt.Fprintf(&b, " │ resting %s @ %s", ev.OrderID, ev.Price.String())
	}
	if ev.BestAsk.IsPositive() {
		fmt.Fprintf(&b, " │ ask %s", ev.BestAsk.String())
	} else {
		b.WriteString(" │ ask -")
	}
	fmt.Fprintf(&b, " │ floor %s", s.floor.String())
	if ev.Message != "" {
		fmt.Fprintf(&b, " │ %s", ev.Message)
	}
	return b.String()
}

// colorAsk flags an ask under the floor red.
func (s *StatusLine) colorAsk(ask decimal.Decimal) string {
	if ask.LessThan(s.floor) {
		return ColorRed
	}
	return ColorCyan
}

// Summary writes the final accounting of an intent.
func (s *StatusLine) Summary(res execution.Result) {
	color := ColorGreen
	switch res.Outcome {
	case execution.OutcomeAborted:
		color = ColorRed
	case execution.OutcomeCancelled:
		color = ColorYellow
	}
	if !s.interactive {
		color = ""
	}
	reset := ColorReset
	if color == "" {
		reset = ""
	}

	short := ""
	if res.Outcome == execution.OutcomeFilled && res.Short() {
		short = fmt.Sprintf(" (short %s)", res.Shortfall())
	}
	fmt.Fprintf(s.w, "%s%s%s%s %s: filled %s of %s, remaining %s, avg %s\n",
		color, res.Outcome, reset, short, res.IntentID,
		res.FilledTotal, res.Requested, res.Remaining, res.AvgPrice.StringFixed(4))
	fmt.Fprintf(s.w, "orders %d │ reprices %d │ shrink steps %d (%s) │ %s\n",
		res.Orders, res.Reprices, res.ShrinkSteps, res.Shrunk, res.Duration().Round(time.Millisecond))
}

// ProgressBar renders done/total as a bar of the given width.
func ProgressBar(done, total decimal.Decimal, width int) string {
	if width <= 0 {
		return ""
	}
	filled := 0
	if total.IsPositive() {
		ratio := done.Div(total)
		if ratio.GreaterThan(decimal.NewFromInt(1)) {
			ratio = decimal.NewFromInt(1)
		}
		filled = int(ratio.Mul(decimal.NewFromInt(int64(width))).IntPart())
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// Sparkline renders prices scaled between their min and max.
func Sparkline(prices []decimal.Decimal) string {
	if len(prices) == 0 {
		return ""
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices {
		lo = decimal.Min(lo, p)
		hi = decimal.Max(hi, p)
	}
	span := hi.Sub(lo)
	top := decimal.NewFromInt(int64(len(sparks) - 1))

	var b strings.Builder
	for _, p := range prices {
		idx := 0
		if span.IsPositive() {
			idx = int(p.Sub(lo).Div(span).Mul(top).Round(0).IntPart())
		}
		b.WriteRune(sparks[idx])
	}
	return b.String()
}

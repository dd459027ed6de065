// render.go
//
// Output is built in two stages: a pure text Frame assembled from the
// device and client snapshots, then a tcell blit of that frame. Frames
// are plain data so rendering is testable byte-for-byte without a
// terminal.
package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Line is one rendered row. Inverse rows draw in reverse video and are
// padded to the frame width.
type Line struct {
	Text    string
	Inverse bool
}

// Frame accumulates lines up to a fixed width and height budget.
type Frame struct {
	W, H  int
	Lines []Line
}

func newFrame(w, h int) *Frame {
	return &Frame{W: w, H: h}
}

// add appends one line, clipped to the frame width. Returns false once
// the height budget is spent; producers stop on false so nothing below
// the last visible row is computed.
func (f *Frame) add(text string, inverse bool) bool {
	if len(f.Lines) >= f.H {
		return false
	}
	r := []rune(text)
	if len(r) > f.W {
		r = r[:f.W]
	}
	if inverse && len(r) < f.W {
		r = append(r, []rune(strings.Repeat(" ", f.W-len(r)))...)
	}
	f.Lines = append(f.Lines, Line{Text: string(r), Inverse: inverse})
	return true
}

// barFractions maps eighths of a cell to the matching block rune.
var barFractions = []rune{' ', '▏', '▎', '▍', '▌', '▋', '▊', '▉', '█'}

// percentageBar renders "|100.0% ████    |" style cells: a fixed
// numeric prefix, then the percentage as eighth-block resolution fill,
// space padding, and a closing pipe. Output always occupies exactly
// maxLen cells (when maxLen leaves room for the prefix).
func percentageBar(percent float64, maxLen int) string {
	const w = 8

	var b strings.Builder
	prefix := fmt.Sprintf("|%5.1f%% ", percent)
	b.WriteString(prefix)

	room := maxLen - 1 - len(prefix)
	if room < 0 {
		room = 0
	}

	barLen := int(math.Ceil(w * percent * float64(room) / 100.0))
	if barLen > w*room {
		barLen = w * room
	}

	i := barLen
	for ; i >= w; i -= w {
		b.WriteRune(barFractions[w])
	}
	if i > 0 {
		b.WriteRune(barFractions[i])
	}

	room -= (barLen + w - 1) / w
	for ; room > 0; room-- {
		b.WriteByte(' ')
	}

	b.WriteByte('|')
	return b.String()
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	// This transformer removes combining characters, which can mess with width calculations
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, _ = transform.String(t, s)

	if len(s) > maxLen {
		if maxLen > 3 {
			return s[:maxLen-3] + "..."
		}
		return s[:maxLen]
	}
	return s
}

// buildFrame assembles one complete display: every device section in
// registry order, then the per-process rows. Pure function of its
// inputs.
func buildFrame(w, h int, contexts []*driverContext, clients []*Client, period time.Duration) *Frame {
	f := newFrame(w, h)
	for _, ctx := range contexts {
		if !ctx.present {
			continue
		}
		for _, inst := range ctx.instances {
			inst.Render(f)
		}
	}
	renderClients(f, clients, period)
	return f
}

// renderClients appends the client table. Rows are assumed sorted by
// sortClients; a fresh header is emitted whenever the device changes
// or the engine set differs by value from the previous row's.
func renderClients(f *Frame, clients []*Client, period time.Duration) {
	visible := make([]*Client, 0, len(clients))
	for _, c := range clients {
		if c.renderable() {
			visible = append(visible, c)
		}
	}
	if len(visible) == 0 {
		f.add("", false)
		f.add("(No GPU clients yet. Start workload to see stats)", false)
		return
	}

	maxPidLen := len("PID")
	maxNameLen := len("NAME")
	for _, c := range visible {
		if n := len(strconv.Itoa(int(c.PID))); n > maxPidLen {
			maxPidLen = n
		}
		if n := len(c.Name); n > maxNameLen {
			maxNameLen = n
		}
	}

	var prev *Client
	engineW := 0
	for _, c := range visible {
		if prev == nil || prev.DRMMinor != c.DRMMinor ||
			!engineSetsEqual(prev.Engines, c.Engines) {
			var ok bool
			engineW, ok = clientHeader(f, c, maxPidLen, maxNameLen)
			if !ok {
				return
			}
		}
		if !clientRow(f, c, maxPidLen, maxNameLen, engineW, period) {
			return
		}
		prev = c
	}
}

// minBarWidth fits the numeric prefix plus closing pipe.
const minBarWidth = len("|100.0% |")

// clientHeader emits the two inverse header rows for a device/engine
// set and returns the per-engine column width the following rows use.
func clientHeader(f *Frame, c *Client, maxPidLen, maxNameLen int) (int, bool) {
	if !f.add(fmt.Sprintf("DRM minor %d", c.DRMMinor), true) {
		return 0, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s ", maxPidLen, "PID")
	if c.HasRegions {
		b.WriteString("     MEM      RSS ")
	}

	numEngines := 0
	for _, e := range c.Engines {
		if e.Capacity > 0 {
			numEngines++
		}
	}

	engineW := 0
	if numEngines > 0 {
		engineW = (f.W - b.Len() - maxNameLen - 1) / numEngines
		if engineW < minBarWidth {
			engineW = minBarWidth
		}
		for _, e := range c.Engines {
			if e.Capacity == 0 {
				continue
			}
			// Center each label over its bar column.
			name := truncateString(e.Name, engineW-1)
			pad := (engineW - 1 - len(name)) / 2
			fmt.Fprintf(&b, "%*s%-*s ", pad, "", engineW-1-pad, name)
		}
	}

	fmt.Fprintf(&b, "%-*s", maxNameLen, "NAME")
	return engineW, f.add(b.String(), true)
}

func clientRow(f *Frame, c *Client, maxPidLen, maxNameLen, engineW int, period time.Duration) bool {
	var b strings.Builder
	fmt.Fprintf(&b, "%*d ", maxPidLen, c.PID)
	if c.HasRegions {
		b.WriteString(printSize(c.MemTotal))
		b.WriteString(printSize(c.MemResident))
	}

	kind := c.utilizationKind()
	for i, e := range c.Engines {
		if e.Capacity == 0 {
			continue
		}
		u := c.Util[i]
		var pct float64
		switch kind {
		case utilTotalCycles:
			if u.DeltaTotalCycles != 0 {
				pct = float64(u.DeltaCycles) * 100 /
					float64(u.DeltaTotalCycles) / float64(e.Capacity)
			}
		case utilEngineTime:
			pct = float64(u.DeltaEngineTime) /
				float64(period.Nanoseconds()) * 100 / float64(e.Capacity)
		}
		b.WriteString(percentageBar(clampPercent(pct), engineW))
	}

	fmt.Fprintf(&b, " %-*s", maxNameLen, truncateString(c.Name, maxNameLen))
	return f.add(b.String(), false)
}

// drawFrame blits a frame onto the screen.
func drawFrame(s tcell.Screen, f *Frame) {
	s.Clear()
	for y, line := range f.Lines {
		style := tcell.StyleDefault
		if line.Inverse {
			style = style.Reverse(true)
		}
		drawString(s, 0, y, style, line.Text)
	}
	s.Show()
}

func drawString(s tcell.Screen, x, y int, style tcell.Style, text string) {
	col := 0
	for _, r := range text {
		s.SetContent(x+col, y, r, nil, style)
		col++
	}
}

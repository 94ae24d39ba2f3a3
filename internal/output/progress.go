package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const defaultTerminalWidth = 80

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultTerminalWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// IsTerminal reports whether stdout is a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ProgressLine renders transfer progress. On a terminal the line is
// redrawn in place; otherwise a plain line is written at most every
// interval and on completion.
type ProgressLine struct {
	mu       sync.Mutex
	w        io.Writer
	inPlace  bool
	width    int
	interval time.Duration
	last     time.Time
	drawn    bool
}

// NewProgressLine creates a progress renderer for stdout
func NewProgressLine() *ProgressLine {
	return &ProgressLine{
		w:        os.Stdout,
		inPlace:  IsTerminal(),
		width:    TerminalWidth(defaultTerminalWidth),
		interval: 2 * time.Second,
	}
}

// Update draws label with done of total bytes
func (p *ProgressLine) Update(label string, done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	finished := total > 0 && done >= total
	line := FormatProgress(label, done, total)
	if p.inPlace {
		if len(line) > p.width-1 {
			line = line[:p.width-1]
		}
		fmt.Fprintf(p.w, "\r%s%s", line, strings.Repeat(" ", max(p.width-1-len(line), 0)))
		p.drawn = true
		return
	}
	now := time.Now()
	if !finished && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	fmt.Fprintln(p.w, line)
}

// Done ends an in-place line
func (p *ProgressLine) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inPlace && p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

// FormatProgress formats "label  45% (4.5 MB / 10 MB)"
func FormatProgress(label string, done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%s  %s", label, FormatBytes(done))
	}
	pct := done * 100 / total
	return fmt.Sprintf("%s  %3d%% (%s / %s)", label, pct, FormatBytes(done), FormatBytes(total))
}

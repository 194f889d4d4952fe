package main

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/kalambet/inboxrag/internal/retrieval"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Human-facing output goes to stderr so stdout stays machine-readable.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→ ", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printBlocks renders search results, one header line and a short excerpt each.
func printBlocks(w io.Writer, blocks []retrieval.ContextBlock) {
	if len(blocks) == 0 {
		fmt.Fprintln(w, "no matching messages")
		return
	}
	for i, b := range blocks {
		subject := b.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(w, "%d. %s %s\n", i+1, colorize(colorBold, subject), colorize(colorDim, fmt.Sprintf("[%s, %.3f]", b.MessageID, b.Similarity)))
		if b.Excerpt != "" {
			fmt.Fprintf(w, "   %s\n", ellipsize(b.Excerpt, 160))
		}
	}
}

func ellipsize(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

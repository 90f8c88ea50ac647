package main

import (
	"fmt"
	"os"
)

// Terminal escape codes for CLI feedback, suppressed by --no-color.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// printMarked writes a colored, mark-prefixed line to stderr so stdout stays
// clean for pipeable command output.
func printMarked(color, mark, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+msg))
}

func printSuccess(format string, args ...any) {
	printMarked(colorGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printMarked(colorRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printMarked(colorYellow, "⚠", format, args...)
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), val)
}

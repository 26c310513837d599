// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Semantic colors.
var (
	colorPass   = lipgloss.Color("2")
	colorWarn   = lipgloss.Color("3")
	colorFail   = lipgloss.Color("1")
	colorAccent = lipgloss.Color("6")
	colorMuted  = lipgloss.Color("8")
)

var (
	// Success style for positive outcomes (green)
	Success = lipgloss.NewStyle().Foreground(colorPass).Bold(true)

	// Warning style for cautionary messages (yellow)
	Warning = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)

	// Error style for failures (red)
	Error = lipgloss.NewStyle().Foreground(colorFail).Bold(true)

	// Info style for informational messages (cyan)
	Info = lipgloss.NewStyle().Foreground(colorAccent)

	// Dim style for secondary information (gray)
	Dim = lipgloss.NewStyle().Foreground(colorMuted)

	// Bold style for emphasis
	Bold = lipgloss.NewStyle().Bold(true)

	// SuccessPrefix is the checkmark prefix for success messages
	SuccessPrefix = Success.Render("✓")

	// WarningPrefix is the warning prefix
	WarningPrefix = Warning.Render("⚠")

	// ErrorPrefix is the error prefix
	ErrorPrefix = Error.Render("✗")

	// ArrowPrefix for action indicators
	ArrowPrefix = Info.Render("→")
)

func init() {
	// Plain output when piped; hooks parse our stdout.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// PrintWarning prints a warning message with consistent formatting.
// The format and args work like fmt.Printf.
func PrintWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "%s %s\n", Warning.Render("⚠ Warning:"), msg)
}

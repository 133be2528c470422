// Package theme holds the terminal palette, icons and styles shared by the run
// monitor and the report renderer.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Butterscotch marks in-flight runs.
	Butterscotch = "#FF9966"
	// Blue is used for informational text and waiting runs.
	Blue = "#9999CC"
	// Purple marks dispatched runs.
	Purple = "#CC99CC"
	// Gold is the progress gradient end.
	Gold = "#FFAA00"
	// RedAlert marks failures.
	RedAlert = "#FF3333"
	// YellowCaution marks timeouts.
	YellowCaution = "#FFCC00"
	// GreenOk marks successes.
	GreenOk = "#33FF33"
	// GalaxyGray is the muted neutral for pending runs and borders.
	GalaxyGray = "#52526A"
	// SpaceWhite is the primary text color.
	SpaceWhite = "#F5F6FA"
	// LightGray is the secondary text color.
	LightGray = "#CCCCCC"
	// MoonlitViolet is the title and focus color.
	MoonlitViolet = "#9966FF"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconWaiting = "⏸"
	IconPending = "○"
	IconFailed  = "✗"
	IconAlert   = "⚠"
	IconRunning = "▸"
)

var (
	ButterscotchColor  = lcarsColor(Butterscotch, "209", "11")
	BlueColor          = lcarsColor(Blue, "146", "12")
	PurpleColor        = lcarsColor(Purple, "182", "13")
	GoldColor          = lcarsColor(Gold, "214", "11")
	RedAlertColor      = lcarsColor(RedAlert, "203", "9")
	YellowCautionColor = lcarsColor(YellowCaution, "220", "11")
	GreenOkColor       = lcarsColor(GreenOk, "46", "10")
	GalaxyGrayColor    = lcarsColor(GalaxyGray, "60", "8")
	SpaceWhiteColor    = lcarsColor(SpaceWhite, "255", "15")
	LightGrayColor     = lcarsColor(LightGray, "252", "7")
	MoonlitVioletColor = lcarsColor(MoonlitViolet, "99", "5")
)

var (
	// ActiveStyle marks runs that are in flight.
	ActiveStyle = lipgloss.NewStyle().Foreground(ButterscotchColor).Bold(true)
	// SuccessStyle marks passed runs and suites.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenOkColor).Bold(true)
	// ErrorStyle marks failed runs and suites.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedAlertColor).Bold(true)
	// WarningStyle marks timeouts.
	WarningStyle = lipgloss.NewStyle().Foreground(YellowCautionColor).Bold(true)
	// InfoStyle marks informational text.
	InfoStyle = lipgloss.NewStyle().Foreground(BlueColor)
	// MutedStyle marks pending rows and hints.
	MutedStyle = lipgloss.NewStyle().Foreground(GalaxyGrayColor)
	// TitleStyle renders panel titles.
	TitleStyle = lipgloss.NewStyle().Foreground(MoonlitVioletColor).Bold(true)
)

// PanelBorder is the default panel border style.
var PanelBorder = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(GalaxyGrayColor).
	Padding(0, 1)

var colorProfileFn = lipgloss.ColorProfile

func lcarsColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}

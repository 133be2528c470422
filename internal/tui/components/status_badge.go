// Package components renders the building blocks of the run monitor.
package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/webharness/internal/tui/theme"
)

// Run statuses shown by the monitor. The first three mirror the run state
// machine; the rest are terminal outcomes.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusWaiting    = "waiting"
	StatusPass       = "pass"
	StatusFail       = "fail"
	StatusTimeout    = "timeout"
)

// BadgeOpt configures optional rendering behavior for RenderStatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var statusBadgeVariants = map[string]badgeVariant{
	StatusPending:    {icon: theme.IconPending, label: "PENDING", color: theme.GalaxyGrayColor},
	StatusDispatched: {icon: theme.IconRunning, label: "DISPATCHED", color: theme.PurpleColor},
	StatusWaiting:    {icon: theme.IconWorking, label: "WAITING", color: theme.ButterscotchColor},
	StatusPass:       {icon: theme.IconDone, label: "PASS", color: theme.GreenOkColor},
	StatusFail:       {icon: theme.IconFailed, label: "FAIL", color: theme.RedAlertColor},
	StatusTimeout:    {icon: theme.IconAlert, label: "TIMEOUT", color: theme.YellowCautionColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// RenderStatusBadge renders `[icon] LABEL` for a run status.
func RenderStatusBadge(status string, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	variant, ok := statusBadgeVariants[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		variant = badgeVariant{
			icon:  theme.IconAlert,
			label: strings.ToUpper(strings.TrimSpace(status)),
			color: theme.GalaxyGrayColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}

// IsTerminalStatus reports whether status is a resolved outcome.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusPass, StatusFail, StatusTimeout:
		return true
	default:
		return false
	}
}

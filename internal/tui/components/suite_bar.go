package components

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/webharness/internal/tui/theme"
)

const defaultSuiteBarWidth = 30

// SuiteBarConfig contains the rendering inputs for the suite progress bar.
type SuiteBarConfig struct {
	Resolved int
	Failed   int
	Total    int
	Width    int
}

// RenderSuiteBar renders "Suite: [bar] X/Y resolved, N failed". The bar is
// green while every resolved run passed and red once one failed.
func RenderSuiteBar(config SuiteBarConfig) string {
	resolved, failed, total, width := normalizeSuiteBarConfig(config)

	fraction := 0.0
	if total > 0 {
		fraction = float64(resolved) / float64(total)
	}

	bar := newSuiteProgressModel(width, resolved, failed, total).ViewAs(fraction)
	if resolved == 0 {
		bar = lipgloss.NewStyle().Faint(true).Render(bar)
	}
	return fmt.Sprintf("Suite: [%s] %d/%d resolved, %d failed", bar, resolved, total, failed)
}

func normalizeSuiteBarConfig(config SuiteBarConfig) (int, int, int, int) {
	total := max(config.Total, 0)
	resolved := min(max(config.Resolved, 0), total)
	failed := min(max(config.Failed, 0), resolved)
	width := config.Width
	if width <= 0 {
		width = defaultSuiteBarWidth
	}
	return resolved, failed, total, width
}

func newSuiteProgressModel(width, resolved, failed, total int) progress.Model {
	options := []progress.Option{
		progress.WithWidth(width),
		progress.WithoutPercentage(),
		progress.WithFillCharacters('#', '.'),
	}
	switch {
	case failed > 0:
		options = append(options, progress.WithSolidFill(theme.RedAlert))
	case total > 0 && resolved >= total:
		options = append(options, progress.WithSolidFill(theme.GreenOk))
	case resolved == 0:
		options = append(options, progress.WithSolidFill(theme.GalaxyGray))
	default:
		options = append(options, progress.WithScaledGradient(theme.Butterscotch, theme.Gold))
	}
	return progress.New(options...)
}

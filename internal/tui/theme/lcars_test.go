package theme

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestStatusStylesHaveForegrounds(t *testing.T) {
	t.Parallel()

	for i, style := range []lipgloss.Style{ActiveStyle, SuccessStyle, ErrorStyle, WarningStyle, InfoStyle, MutedStyle, TitleStyle} {
		if style.GetForeground() == nil {
			t.Fatalf("style %d has nil foreground", i)
		}
	}
	if border, _, _, _, _ := PanelBorder.GetBorder(); border.Top != lipgloss.RoundedBorder().Top {
		t.Fatalf("panel border top = %q, want rounded top %q", border.Top, lipgloss.RoundedBorder().Top)
	}
	for i, icon := range []string{IconDone, IconWorking, IconWaiting, IconPending, IconFailed, IconAlert, IconRunning} {
		if icon == "" {
			t.Fatalf("icon %d is empty", i)
		}
	}
}

func TestLCARSColorRespectsProfile(t *testing.T) {
	original := colorProfileFn
	t.Cleanup(func() {
		colorProfileFn = original
	})

	colorProfileFn = func() termenv.Profile { return termenv.TrueColor }
	if _, ok := lcarsColor(Butterscotch, "209", "11").(lipgloss.AdaptiveColor); !ok {
		t.Fatal("truecolor profile should produce lipgloss.AdaptiveColor")
	}

	colorProfileFn = func() termenv.Profile { return termenv.ANSI256 }
	complete, ok := lcarsColor(Butterscotch, "209", "11").(lipgloss.CompleteAdaptiveColor)
	if !ok {
		t.Fatal("ansi256 profile should produce lipgloss.CompleteAdaptiveColor")
	}
	if complete.Dark.ANSI256 != "209" || complete.Light.ANSI != "11" {
		t.Fatalf("complete adaptive color = %#v", complete)
	}
}

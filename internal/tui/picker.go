package tui

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/ship-commander/webharness/internal/suite"
)

// ErrNothingPicked is returned when the picker is submitted with no tests.
var ErrNothingPicked = errors.New("no tests selected")

// PickerOptions lists one option per declared test, all preselected.
func PickerOptions(s suite.Suite) []huh.Option[string] {
	options := make([]huh.Option[string], 0, len(s.Tests))
	for _, test := range s.Tests {
		label := fmt.Sprintf("%s (%s)", test.Label(), s.TimeoutFor(test))
		options = append(options, huh.NewOption(label, test.ID).Selected(true))
	}
	return options
}

// BuildPicker returns a form that stores the chosen test ids in selected.
func BuildPicker(s suite.Suite, selected *[]string) *huh.Form {
	field := huh.NewMultiSelect[string]().
		Title("Tests to run").
		Description("space toggles, enter runs").
		Options(PickerOptions(s)...).
		Value(selected).
		Validate(func(ids []string) error {
			if len(ids) == 0 {
				return ErrNothingPicked
			}
			return nil
		})
	return huh.NewForm(huh.NewGroup(field)).WithShowHelp(true)
}

// Pick runs the picker in the terminal and narrows s to the chosen tests.
func Pick(s suite.Suite) (suite.Suite, error) {
	var selected []string
	if err := BuildPicker(s, &selected).Run(); err != nil {
		return suite.Suite{}, fmt.Errorf("pick tests: %w", err)
	}
	if len(selected) == 0 {
		return suite.Suite{}, ErrNothingPicked
	}
	return s.Select(selected)
}

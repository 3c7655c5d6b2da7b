package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v2"

	"grimm.is/geoblock/internal/i18n"
)

// Printer prints localized CLI output.
var Printer = i18n.NewCLIPrinter()

var (
	colorTitle = lipgloss.Color("#A8D8EA")
	colorGood  = lipgloss.Color("#4ECDC4")
	colorAlert = lipgloss.Color("#FF6B6B")
	colorWarn  = lipgloss.Color("#FFE66D")
	colorMuted = lipgloss.Color("#6c757d")

	styleTitle = lipgloss.NewStyle().Foreground(colorTitle).Bold(true)
	styleGood  = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// paint styles text when stdout is a terminal.
func paint(s lipgloss.Style, text string) string {
	if !isTerminal(os.Stdout) {
		return text
	}
	return s.Render(text)
}

// writeStructured prints v as JSON or YAML. It reports false for the text
// format, which the caller renders itself.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "", "text":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	}
	return true, fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

// confirm asks a yes/no question. Without a terminal on stdin it answers
// no, so scripts have to pass -y.
func confirm(title, description string) (bool, error) {
	if !isTerminal(os.Stdin) {
		return false, fmt.Errorf("refusing to %s without confirmation; pass -y", title)
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	)).WithTheme(huh.ThemeBase16())
	err := form.Run()
	return ok, err
}

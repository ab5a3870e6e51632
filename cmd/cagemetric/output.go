// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// CageMetric palette - octagon reds and canvas neutrals.
var (
	colorRedBright = lipgloss.Color("#E63946")
	colorRedDeep   = lipgloss.Color("#9D2230")
	colorGold      = lipgloss.Color("#F4D03F")
	colorCanvas    = lipgloss.Color("#F1FAEE")
	colorSlate     = lipgloss.Color("#5C6B73")
)

var styles = struct {
	Prompt  lipgloss.Style
	Answer  lipgloss.Style
	Insight lipgloss.Style
	Viz     lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}{
	Prompt:  lipgloss.NewStyle().Bold(true).Foreground(colorRedBright),
	Answer:  lipgloss.NewStyle().Foreground(colorCanvas),
	Insight: lipgloss.NewStyle().Foreground(colorGold),
	Viz: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorRedDeep).
		Padding(0, 1),
	Warning: lipgloss.NewStyle().Foreground(colorGold),
	Error:   lipgloss.NewStyle().Foreground(colorRedBright),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
}

// stdoutIsTerminal gates styling so piped output stays plain.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// render applies style only on a terminal.
func render(style lipgloss.Style, text string) string {
	if !stdoutIsTerminal() {
		return text
	}
	return style.Render(text)
}

package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	keywordStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true)
	paragraphStyle = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2)
	keyStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	faintStyle     = lipgloss.NewStyle().Faint(true)
)

func keyword(s string) string {
	return keywordStyle.Render(s)
}

func paragraph(s string) string {
	return paragraphStyle.Render(s)
}

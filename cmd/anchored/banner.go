package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerRopeStyle    = lipgloss.NewStyle().Foreground(colorMuted)
	bannerAnchorStyle  = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorAccent).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	rope := bannerRopeStyle.Render
	anchor := bannerAnchorStyle.Render

	lines := []string{
		"      " + rope("o"),
		"    " + anchor("──┼──") + "   " + bannerTitleStyle.Render("ANCHORED"),
		"      " + anchor("│"),
		"   " + anchor("\\__│__/"),
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   local first, synced later")
	ver := bannerVersionStyle.Render("   " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}

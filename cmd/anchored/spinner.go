package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	spinnerFrameWidth = 2 // braille frames render about two columns wide
	spinnerInterval   = 80 * time.Millisecond
	spinnerClearPad   = 5
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner animates a progress line on a terminal. Off a terminal it prints
// the message once.
type spinner struct {
	w       io.Writer
	message string
	stop    chan struct{}
	done    chan struct{}
}

func startSpinner(w io.Writer, message string) *spinner {
	s := &spinner{w: w, message: message, stop: make(chan struct{}), done: make(chan struct{})}
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", message)
		close(s.done)
		return s
	}

	go func() {
		defer close(s.done)
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		ticker := time.NewTicker(spinnerInterval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", style.Render(spinnerFrames[i%len(spinnerFrames)]), s.message)
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Stop halts the animation and clears the line.
func (s *spinner) Stop() {
	if !isTTY() {
		return
	}
	close(s.stop)
	<-s.done
	width := spinnerFrameWidth + 1 + len(s.message) + spinnerClearPad
	fmt.Fprint(s.w, "\r"+strings.Repeat(" ", width)+"\r")
}

// runWithSpinner shows a spinner on w while operation runs.
func runWithSpinner(w io.Writer, message string, operation func() error) error {
	spin := startSpinner(w, message)
	err := operation()
	spin.Stop()
	return err
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

var (
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	partialStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	keyStyle     = lipgloss.NewStyle().Faint(true)
)

func statusStyle(s conform.Status) lipgloss.Style {
	switch s {
	case conform.StatusPass:
		return passStyle
	case conform.StatusPartial:
		return partialStyle
	default:
		return failStyle
	}
}

// emitRaw prints rec to stdout and writes --status-out when set.
func emitRaw(stdout, stderr io.Writer, g globalFlags, rec conform.StatusRecord) error {
	if g.statusOut != "" {
		if err := conform.WriteStatusRecord(g.statusOut, rec); err != nil {
			return err
		}
	}
	if g.jsonOut {
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}

	line := statusStyle(rec.Status).Render(string(rec.Status)) + " " + rec.Stage
	if rec.ReasonCode != "" {
		line += " [" + rec.ReasonCode + "]"
	}
	_, _ = fmt.Fprintln(stdout, line+": "+rec.Message)

	keys := make([]string, 0, len(rec.Details))
	for k := range rec.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(stdout, "  %s %v\n", keyStyle.Render(k+":"), rec.Details[k])
	}
	if rec.Status != conform.StatusPass && rec.Remediation != "" {
		_, _ = fmt.Fprintf(stderr, "  remediation: %s\n", rec.Remediation)
	}
	return nil
}

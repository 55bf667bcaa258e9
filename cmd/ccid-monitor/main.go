// Command ccid-monitor is a live TUI listing open channels, slot
// presence, and the ATR/protocol of the active card — the interactive
// counterpart to the driver's headless diagnostic surface, scoped to
// reader status.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ccid/pkg/ifd"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

type tickMsg time.Time

type model struct {
	driver *ifd.Driver
	table  table.Model
}

func newModel(drv *ifd.Driver) model {
	columns := []table.Column{
		{Title: "Handle", Width: 8},
		{Title: "Slot", Width: 20},
		{Title: "Present", Width: 8},
		{Title: "Protocol", Width: 8},
		{Title: "ATR", Width: 40},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(10))
	return model{driver: drv, table: t}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(m.rows())
		return m, tick()
	}
	return m, nil
}

func (m model) rows() []table.Row {
	channels := m.driver.Channels()
	rows := make([]table.Row, 0, len(channels))
	for handle, slot := range channels {
		presence := "absent"
		if slot.Present() {
			presence = "present"
		}
		atrHex := "-"
		if slot.ATR != nil {
			atrHex = hex.EncodeToString(slot.ATR.Bytes())
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", handle), slot.Name, presence,
			fmt.Sprintf("%d", slot.Protocol), atrHex,
		})
	}
	return rows
}

func (m model) View() string {
	return headerStyle.Render("ccid-monitor — open channels") + "\n\n" +
		m.table.View() + "\npress q to quit\n"
}

func main() {
	m := newModel(ifd.New())
	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatalf("ccid-monitor: %v", err)
	}
}

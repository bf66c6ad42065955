// Command orchestratorctl is the operator TUI for the orchestrator
// daemon: tenant health at a glance, schedule inspection, and on-demand
// job creation/cancellation, all driven over the same HTTP API the web
// dashboard would use.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/opsportal/orchestrator/cmd/orchestratorctl/internal/client"
	"github.com/opsportal/orchestrator/cmd/orchestratorctl/internal/ui"
)

func main() {
	apiURL := flag.String("api-url", "http://localhost:8080", "orchestratord API URL")
	flag.Parse()

	c := client.New(*apiURL)
	m := ui.NewModel(c)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

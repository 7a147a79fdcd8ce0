// Command hatop shows the live state of a cluso-ha cluster by polling the
// /status endpoint of each node.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	nodes := flag.String("nodes", "127.0.0.1:7480", "comma separated status addresses of the nodes")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	timeout := flag.Duration("timeout", time.Second, "per request timeout")
	flag.Parse()

	var endpoints []string
	for _, n := range strings.Split(*nodes, ",") {
		if n = strings.TrimSpace(n); n != "" {
			endpoints = append(endpoints, n)
		}
	}
	if len(endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "hatop: no nodes given")
		os.Exit(2)
	}

	p := tea.NewProgram(initialModel(newClient(endpoints, *timeout), *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hatop: %v\n", err)
		os.Exit(1)
	}
}

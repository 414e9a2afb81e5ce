package cli

import (
	"github.com/fatih/color"
)

// Outputter prints node identity and endpoint information to the terminal
// at startup.
type Outputter interface {
	PrintSelfID(nodeID string)
	PrintMappedAddrs(addrs []string)
}

type cliOutputter struct {
	color *color.Color
}

// NewCLIOutputter creates a new CLIOutputter
func NewCLIOutputter() Outputter {
	return &cliOutputter{
		color: color.New(),
	}
}

func (c *cliOutputter) PrintSelfID(nodeID string) {
	bold := color.New(color.Bold)
	_, _ = c.color.Print("Node ID: ")
	_, _ = bold.Println(nodeID)
}

func (c *cliOutputter) PrintMappedAddrs(addrs []string) {
	if len(addrs) == 0 {
		return
	}
	_, _ = c.color.Println("Reflexive endpoints:")
	bold := color.New(color.Bold)
	for _, a := range addrs {
		_, _ = c.color.Print("  - ")
		_, _ = bold.Println(a)
	}
}

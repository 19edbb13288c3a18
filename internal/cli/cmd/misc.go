package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Manage the port allocation range",
}

var portsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Get port range",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleGetPortRange()
	},
}

var portsStart, portsEnd int
var portsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set port range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if portsStart == 0 || portsEnd == 0 {
			return fmt.Errorf("you must specify both --start and --end to update the port range")
		}
		if err := Client.SetPortRange(portsStart, portsEnd); err != nil {
			return err
		}
		success("Port range set to %d - %d", portsStart, portsEnd)
		return nil
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available server templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleListTemplates()
	},
}

func init() {
	portsSetCmd.Flags().IntVar(&portsStart, "start", 0, "Start port")
	portsSetCmd.Flags().IntVar(&portsEnd, "end", 0, "End port")
	portsCmd.AddCommand(portsGetCmd, portsSetCmd)

	RootCmd.AddCommand(portsCmd, templatesCmd)
}

func handleGetPortRange() error {
	pr, err := Client.GetPortRange()
	if err != nil {
		return err
	}
	fmt.Println("\n--- PORT CONFIGURATION ---")
	fmt.Printf("Start port: %d\n", pr.Start)
	fmt.Printf("End port:   %d\n", pr.End)
	fmt.Printf("Range:      %d ports available\n", pr.End-pr.Start+1)
	return nil
}

func handleListTemplates() error {
	templates, err := Client.ListTemplates()
	if err != nil {
		return err
	}
	fmt.Println("\n--- AVAILABLE TEMPLATES ---")
	for _, t := range templates {
		fmt.Printf("- %-24s %s", t.ID, t.Name)
		if t.Description != "" {
			fmt.Printf(": %s", t.Description)
		}
		fmt.Println()
		for _, p := range t.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			fmt.Printf("    port %s/%s\n", p.Name, proto)
		}
	}
	return nil
}

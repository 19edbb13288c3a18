package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hostvisor/internal/cli/ui"
	"hostvisor/pkg/sdk"
)

var (
	Client  *sdk.Client
	BaseURL string
)

var RootCmd = &cobra.Command{
	Use:           "hostvisor",
	Short:         "CLI for the hostvisor game server daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		Client = sdk.NewClient(BaseURL)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDashboard()
	},
}

// RunDashboard alternates between the instance list and an instance console
// until the user quits.
func RunDashboard() error {
	for {
		serverID, err := ui.RunDashboard(Client)
		if err != nil || serverID == "" {
			return err
		}
		back, err := ui.RunLogs(Client, serverID)
		if err != nil || !back {
			return err
		}
	}
}

// Execute runs the CLI against the daemon at defaultURL unless --url says
// otherwise.
func Execute(defaultURL string) {
	RootCmd.PersistentFlags().StringVar(&BaseURL, "url", defaultURL, "URL of the hostvisor daemon")

	if err := RootCmd.Execute(); err != nil {
		var apiErr *sdk.APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error [%s]:", apiErr.Kind), apiErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		}
		os.Exit(1)
	}
}

func success(format string, args ...any) {
	fmt.Println(color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func colorStatus(status string) string {
	switch status {
	case "RUNNING":
		return color.GreenString(status)
	case "STARTING", "STOPPING":
		return color.YellowString(status)
	case "CRASHED":
		return color.New(color.FgRed, color.Bold).Sprint(status)
	}
	return color.HiBlackString(status)
}

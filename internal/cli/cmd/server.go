package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"hostvisor/internal/cli/ui"
	"hostvisor/pkg/sdk"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"servers"},
	Short:   "Manage server instances",
}

var (
	createName, createTemplate string
	createAutoRestart          bool
	createArgs, createEnv      []string
	createConfig               []string
)

var serverCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Install a new server from a template",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleCreate()
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleList()
	},
}

var serverStartCmd = &cobra.Command{
	Use:   "start [server]",
	Short: "Start a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args[0], "Starting", Client.StartServer)
	},
}

var stopForce bool

var serverStopCmd = &cobra.Command{
	Use:   "stop [server]",
	Short: "Stop a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args[0], "Stopping", func(id string) error { return Client.StopServer(id, stopForce) })
	},
}

var serverRestartCmd = &cobra.Command{
	Use:   "restart [server]",
	Short: "Restart a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args[0], "Restarting", Client.RestartServer)
	},
}

var serverDeleteCmd = &cobra.Command{
	Use:   "delete [server]",
	Short: "Delete a stopped server and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args[0], "Deleting", Client.DeleteServer)
	},
}

var serverLogsCmd = &cobra.Command{
	Use:   "logs [server]",
	Short: "Attach to a server's console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := resolveServer(args[0])
		if err != nil {
			return err
		}
		_, err = ui.RunLogs(Client, srv.ID)
		return err
	},
}

var serverSendCmd = &cobra.Command{
	Use:   "send [server] [command...]",
	Short: "Send a console command to a running server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := resolveServer(args[0])
		if err != nil {
			return err
		}
		line := strings.Join(args[1:], " ")
		if err := Client.SendCommand(srv.ID, line); err != nil {
			return err
		}
		success("Sent %q to %s", line, srv.Name)
		return nil
	},
}

var (
	updateName, updateStopCommand string
	updateAutoRestart             bool
	updateEnv, updateConfig       []string
)

var serverUpdateCmd = &cobra.Command{
	Use:   "update [server]",
	Short: "Change server settings; applies on next start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleUpdate(cmd, args[0])
	},
}

var serverFilesCmd = &cobra.Command{
	Use:   "files [server] [path]",
	Short: "List files in a server directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) > 1 {
			path = args[1]
		}
		return handleFiles(args[0], path)
	},
}

func init() {
	serverCreateCmd.Flags().StringVar(&createName, "name", "", "Server name")
	serverCreateCmd.Flags().StringVar(&createTemplate, "template", "", "Template id (see 'hostvisor templates')")
	serverCreateCmd.Flags().BoolVar(&createAutoRestart, "auto-restart", false, "Restart the server when it crashes")
	serverCreateCmd.Flags().StringArrayVar(&createArgs, "arg", nil, "Override the template arguments (repeatable)")
	serverCreateCmd.Flags().StringArrayVar(&createEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	serverCreateCmd.Flags().StringArrayVar(&createConfig, "config", nil, "Config file entry key=value (repeatable)")
	serverCreateCmd.MarkFlagRequired("name")
	serverCreateCmd.MarkFlagRequired("template")

	serverStopCmd.Flags().BoolVar(&stopForce, "force", false, "Kill the process without a graceful stop")

	serverUpdateCmd.Flags().StringVar(&updateName, "name", "", "New server name")
	serverUpdateCmd.Flags().BoolVar(&updateAutoRestart, "auto-restart", false, "Restart the server when it crashes")
	serverUpdateCmd.Flags().StringVar(&updateStopCommand, "stop-command", "", "Console command used for a graceful stop")
	serverUpdateCmd.Flags().StringArrayVar(&updateEnv, "env", nil, "Environment variable KEY=VALUE (repeatable, replaces all)")
	serverUpdateCmd.Flags().StringArrayVar(&updateConfig, "config", nil, "Config file entry key=value (repeatable, replaces all)")

	serverCmd.AddCommand(serverCreateCmd, serverListCmd, serverStartCmd, serverStopCmd, serverRestartCmd,
		serverDeleteCmd, serverLogsCmd, serverSendCmd, serverUpdateCmd, serverFilesCmd)
	RootCmd.AddCommand(serverCmd)
}

// resolveServer finds a server by id, name or unique id prefix.
func resolveServer(ref string) (*sdk.Server, error) {
	if srv, err := Client.GetServer(ref); err == nil {
		return srv, nil
	} else if !sdk.IsKind(err, "InstanceNotFound") {
		return nil, err
	}

	servers, err := Client.ListServers()
	if err != nil {
		return nil, err
	}
	var matches []sdk.Server
	for _, s := range servers {
		if strings.EqualFold(s.Name, ref) {
			return &s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no server matches %q", ref)
	case 1:
		return &matches[0], nil
	}
	return nil, fmt.Errorf("%q matches %d servers, use a longer id", ref, len(matches))
}

func withServer(ref, verb string, fn func(id string) error) error {
	srv, err := resolveServer(ref)
	if err != nil {
		return err
	}
	sp := ui.NewStepSpinner("")
	sp.Start(fmt.Sprintf("%s %s", verb, srv.Name))
	err = fn(srv.ID)
	sp.Stop(err == nil)
	return err
}

// parseKeyValues turns KEY=VALUE flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// withProgress runs fn with a fresh request id and mirrors the daemon's
// progress events for that id on a spinner.
func withProgress(label string, fn func(requestID string) error) error {
	requestID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sp := ui.NewStepSpinner("")
	sp.Start(label)

	if events, err := Client.WatchProgress(ctx, requestID); err == nil {
		go func() {
			for ev := range events {
				sp.Update(formatProgress(ev))
			}
		}()
	}

	err := fn(requestID)
	sp.Stop(err == nil)
	return err
}

func formatProgress(ev sdk.ProgressEvent) string {
	if ev.TotalBytes > 0 {
		return fmt.Sprintf("%s %.0f%% (%s / %s)", ev.Message, ev.Progress,
			formatBytes(ev.CurrentBytes), formatBytes(ev.TotalBytes))
	}
	return fmt.Sprintf("%s %.0f%%", ev.Message, ev.Progress)
}

func handleCreate() error {
	env, err := parseKeyValues(createEnv)
	if err != nil {
		return err
	}
	cfg, err := parseKeyValues(createConfig)
	if err != nil {
		return err
	}

	var created *sdk.Server
	err = withProgress(fmt.Sprintf("Installing %s (%s)", createName, createTemplate), func(requestID string) error {
		var err error
		created, err = Client.CreateServer(sdk.CreateServerRequest{
			Name:        createName,
			TemplateID:  createTemplate,
			AutoRestart: createAutoRestart,
			Args:        createArgs,
			Env:         env,
			Config:      cfg,
			RequestID:   requestID,
		})
		return err
	})
	if err != nil {
		return err
	}

	success("Server %s created (%s)", created.Name, created.ID)
	if len(created.Ports) > 0 {
		fmt.Printf("  Ports: %s\n", formatPortList(created.Ports))
	}
	fmt.Printf("  Directory: %s\n", created.Dir)
	return nil
}

func handleList() error {
	servers, err := Client.ListServers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers yet. Create one with 'hostvisor server create'.")
		return nil
	}

	fmt.Println("Servers:")
	for _, s := range servers {
		line := fmt.Sprintf("- %s (%s) [%s] %s", s.Name, s.ID, colorStatus(s.Status), s.TemplateID)
		if len(s.Ports) > 0 {
			line += " Ports: " + formatPortList(s.Ports)
		}
		if s.Status == "RUNNING" {
			line += fmt.Sprintf(" PID: %d CPU: %.1f%% RAM: %s", s.PID, s.Resources.CPUPercent, formatBytes(int64(s.Resources.MemoryBytes)))
		}
		fmt.Println(line)
	}
	return nil
}

func handleUpdate(cmd *cobra.Command, ref string) error {
	srv, err := resolveServer(ref)
	if err != nil {
		return err
	}

	var req sdk.UpdateServerRequest
	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Name = &updateName
	}
	if flags.Changed("auto-restart") {
		req.AutoRestart = &updateAutoRestart
	}
	if flags.Changed("stop-command") {
		req.StopCommand = &updateStopCommand
	}
	if req.Env, err = parseKeyValues(updateEnv); err != nil {
		return err
	}
	if req.Config, err = parseKeyValues(updateConfig); err != nil {
		return err
	}

	updated, err := Client.UpdateServer(srv.ID, req)
	if err != nil {
		return err
	}
	success("Server %s updated", updated.Name)
	return nil
}

func handleFiles(ref, path string) error {
	srv, err := resolveServer(ref)
	if err != nil {
		return err
	}
	files, err := Client.ListFiles(srv.ID, path)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDirectory {
			fmt.Printf("%-40s %10s  %s\n", f.Name+"/", "-", f.LastModified.Format("2006-01-02 15:04"))
		} else {
			fmt.Printf("%-40s %10s  %s\n", f.Name, formatBytes(f.Size), f.LastModified.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func formatPortList(ports map[string]int) string {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, ports[name]))
	}
	return strings.Join(parts, ", ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

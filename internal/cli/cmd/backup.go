package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hostvisor/internal/cli/ui"
	"hostvisor/pkg/sdk"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	Aliases: []string{"backups"},
	Short:   "Manage backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [server] [name]",
	Short: "Archive a server directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		return handleBackupCreate(args[0], name)
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list [server]",
	Short: "List backups of one server or of all servers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return handleListBackups(args[0])
		}
		backups, err := Client.ListAllBackups()
		if err != nil {
			return err
		}
		printBackups(backups)
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete [backupId]",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Client.DeleteBackup(args[0]); err != nil {
			return err
		}
		success("Backup deleted.")
		return nil
	},
}

var restoreTarget string

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [backupId]",
	Short: "Restore a backup into a stopped server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleRestoreBackup(args[0])
	},
}

func init() {
	backupRestoreCmd.Flags().StringVar(&restoreTarget, "target", "", "Server to restore into (defaults to the backup's own server)")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupRestoreCmd)
	RootCmd.AddCommand(backupCmd)
}

func handleBackupCreate(ref, name string) error {
	srv, err := resolveServer(ref)
	if err != nil {
		return err
	}

	var rec *sdk.BackupInfo
	err = withProgress(fmt.Sprintf("Backing up %s", srv.Name), func(requestID string) error {
		var err error
		rec, err = Client.CreateBackup(srv.ID, name, requestID)
		return err
	})
	if err != nil {
		return err
	}
	success("Backup %s created (%s)", rec.Name, formatBytes(rec.Size))
	fmt.Printf("  ID: %s\n  Location: %s\n", rec.ID, rec.Path)
	return nil
}

func handleListBackups(ref string) error {
	srv, err := resolveServer(ref)
	if err != nil {
		return err
	}
	backups, err := Client.ListServerBackups(srv.ID)
	if err != nil {
		return err
	}
	printBackups(backups)
	return nil
}

func printBackups(backups []sdk.BackupInfo) {
	if len(backups) == 0 {
		fmt.Println("No backups.")
		return
	}
	fmt.Println("Backups:")
	for _, b := range backups {
		fmt.Printf("- %s %s (%s) server %s, %s\n",
			b.ID, b.Name, formatBytes(b.Size), b.InstanceID, b.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func handleRestoreBackup(backupID string) error {
	target := restoreTarget
	if target == "" {
		rec, err := findBackup(backupID)
		if err != nil {
			return err
		}
		target = rec.InstanceID
	} else {
		srv, err := resolveServer(target)
		if err != nil {
			return err
		}
		target = srv.ID
	}

	sp := ui.NewStepSpinner("")
	sp.Start("Restoring backup " + backupID)
	err := Client.RestoreBackup(backupID, target)
	sp.Stop(err == nil)
	return err
}

func findBackup(id string) (*sdk.BackupInfo, error) {
	backups, err := Client.ListAllBackups()
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, fmt.Errorf("backup %s not found", id)
}

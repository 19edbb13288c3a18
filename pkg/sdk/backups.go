package sdk

import (
	"fmt"
	"net/url"
)

func (c *Client) ListAllBackups() ([]BackupInfo, error) {
	var backups []BackupInfo
	err := c.get("/backups", &backups)
	return backups, err
}

func (c *Client) ListServerBackups(serverID string) ([]BackupInfo, error) {
	var backups []BackupInfo
	err := c.get(fmt.Sprintf("/servers/%s/backups", url.PathEscape(serverID)), &backups)
	return backups, err
}

// CreateBackup archives an instance's directory. requestID may be empty;
// when set, progress is published on the matching progress stream.
func (c *Client) CreateBackup(serverID, name, requestID string) (*BackupInfo, error) {
	payload := map[string]string{
		"name":      name,
		"requestId": requestID,
	}
	var backup BackupInfo
	if err := c.post(fmt.Sprintf("/servers/%s/backups", url.PathEscape(serverID)), payload, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

func (c *Client) DeleteBackup(id string) error {
	return c.delete("/backups/" + url.PathEscape(id))
}

// RestoreBackup replaces the contents of a stopped instance's directory
// with the backup.
func (c *Client) RestoreBackup(backupID, serverID string) error {
	return c.post(fmt.Sprintf("/servers/%s/restore", url.PathEscape(serverID)), map[string]string{"backupId": backupID}, nil)
}

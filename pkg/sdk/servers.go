package sdk

import (
	"fmt"
	"net/url"
)

func (c *Client) ListServers() ([]Server, error) {
	var servers []Server
	err := c.get("/servers", &servers)
	return servers, err
}

func (c *Client) GetServer(id string) (*Server, error) {
	var server Server
	if err := c.get("/servers/"+url.PathEscape(id), &server); err != nil {
		return nil, err
	}
	return &server, nil
}

// CreateServer installs a new instance. The call blocks until the install
// finishes; progress is published under req.RequestID when it is set.
func (c *Client) CreateServer(req CreateServerRequest) (*Server, error) {
	var server Server
	if err := c.post("/servers", req, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) UpdateServer(id string, req UpdateServerRequest) (*Server, error) {
	var server Server
	if err := c.patch("/servers/"+url.PathEscape(id), req, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (c *Client) StartServer(id string) error {
	return c.post(fmt.Sprintf("/servers/%s/start", url.PathEscape(id)), nil, nil)
}

func (c *Client) StopServer(id string, force bool) error {
	path := fmt.Sprintf("/servers/%s/stop", url.PathEscape(id))
	if force {
		path += "?force=true"
	}
	return c.post(path, nil, nil)
}

func (c *Client) RestartServer(id string) error {
	return c.post(fmt.Sprintf("/servers/%s/restart", url.PathEscape(id)), nil, nil)
}

func (c *Client) DeleteServer(id string) error {
	return c.delete("/servers/" + url.PathEscape(id))
}

func (c *Client) SendCommand(id, command string) error {
	return c.post(fmt.Sprintf("/servers/%s/command", url.PathEscape(id)), map[string]string{"command": command}, nil)
}

func (c *Client) ListTemplates() ([]Template, error) {
	var templates []Template
	err := c.get("/templates", &templates)
	return templates, err
}

func (c *Client) ListFiles(id, path string) ([]FileEntry, error) {
	var files []FileEntry
	err := c.get(fmt.Sprintf("/servers/%s/files?path=%s", url.PathEscape(id), url.QueryEscape(path)), &files)
	return files, err
}

func (c *Client) GetPortRange() (*PortRange, error) {
	var pr PortRange
	if err := c.get("/settings/port-range", &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) SetPortRange(start, end int) error {
	return c.put("/settings/port-range", PortRange{Start: start, End: end}, nil)
}

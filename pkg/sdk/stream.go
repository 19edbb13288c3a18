package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// Console is a live connection to an instance's console. Lines replays the
// recent history first, then follows new output.
type Console struct {
	conn  *websocket.Conn
	lines chan string
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	wsURL, err := c.GetWebSocketURL(path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("X-Hostvisor-Client", "sdk")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("error connecting to %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return conn, nil
}

// DialConsole connects to the console of instance id. The connection is
// closed when ctx is done or Close is called.
func (c *Client) DialConsole(ctx context.Context, id string) (*Console, error) {
	conn, err := c.dial(ctx, fmt.Sprintf("/ws/servers/%s/console", url.PathEscape(id)))
	if err != nil {
		return nil, err
	}

	console := &Console{conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(console.lines)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case console.lines <- string(message):
			case <-ctx.Done():
				return
			}
		}
	}()
	return console, nil
}

// Lines is closed when the connection ends.
func (c *Console) Lines() <-chan string {
	return c.lines
}

// Send writes one command line to the instance's stdin.
func (c *Console) Send(command string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(command+"\n"))
}

func (c *Console) Close() error {
	return c.conn.Close()
}

// WatchEvents streams status, metrics and backup events until ctx is done.
func (c *Client) WatchEvents(ctx context.Context) (<-chan Event, error) {
	conn, err := c.dial(ctx, "/ws/events")
	if err != nil {
		return nil, err
	}
	return readEvents(ctx, conn), nil
}

// WatchProgress streams the progress of the request tagged requestID. Dial
// it before issuing the request so no event is missed.
func (c *Client) WatchProgress(ctx context.Context, requestID string) (<-chan ProgressEvent, error) {
	conn, err := c.dial(ctx, "/ws/progress/"+url.PathEscape(requestID))
	if err != nil {
		return nil, err
	}

	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		for ev := range readEvents(ctx, conn) {
			if ev.Progress == nil {
				continue
			}
			select {
			case out <- *ev.Progress:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func readEvents(ctx context.Context, conn *websocket.Conn) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(message, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrNotRunning is returned when no instance answers on the control socket.
var ErrNotRunning = errors.New("daddr is not running")

// Client talks to a running instance.
type Client struct {
	path string
}

// NewClient creates a new IPC client for the socket at path.
func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocket
	}
	return &Client{path: path}
}

func (c *Client) do(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", req.Command, err)
	}

	decoder := json.NewDecoder(conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if !resp.OK {
		if rest, ok := strings.CutPrefix(resp.Error, ErrPermissionDenied.Error()); ok {
			return nil, fmt.Errorf("%s: %w%s", req.Command, ErrPermissionDenied, rest)
		}
		return nil, fmt.Errorf("%s: %s", req.Command, resp.Error)
	}
	return &resp, nil
}

// Ping checks if the server is running.
func (c *Client) Ping() error {
	_, err := c.do(Request{Command: CmdPing})
	return err
}

// GetStatus retrieves the current status from the running instance.
func (c *Client) GetStatus() (*StatusResponse, error) {
	resp, err := c.do(Request{Command: CmdStatus})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("status: empty response")
	}
	return resp.Status, nil
}

// Table lists the occupied codepoint slots.
func (c *Client) Table() ([]TableEntry, error) {
	resp, err := c.do(Request{Command: CmdTable})
	if err != nil {
		return nil, err
	}
	return resp.Table, nil
}

// SetEntry stores addr in codepoint slot index.
func (c *Client) SetEntry(index int, addr string) error {
	_, err := c.do(Request{Command: CmdSetEntry, Index: &index, Address: addr})
	return err
}

// ClearEntry empties codepoint slot index.
func (c *Client) ClearEntry(index int) error {
	_, err := c.do(Request{Command: CmdClearEntry, Index: &index})
	return err
}

// SetTarget replaces the direct-mode target.
func (c *Client) SetTarget(addr string) error {
	_, err := c.do(Request{Command: CmdSetTarget, Address: addr})
	return err
}

// Enable turns rewriting on.
func (c *Client) Enable() error {
	_, err := c.do(Request{Command: CmdEnable})
	return err
}

// Disable turns rewriting off.
func (c *Client) Disable() error {
	_, err := c.do(Request{Command: CmdDisable})
	return err
}

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a short-lived connection to one rig's control socket, used by
// the `rig` CLI's list/destroy subcommands.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path. The dial itself has no
// built-in timeout beyond ctx; callers driving an interactive command
// should bound ctx accordingly.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status issues {"op":"status"}.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.roundTrip(ctx, Request{Op: OpStatus}, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// Ping issues {"op":"ping"}.
func (c *Client) Ping(ctx context.Context) error {
	var resp OKResponse
	return c.roundTrip(ctx, Request{Op: OpPing}, &resp)
}

// Destroy issues {"op":"destroy","force":force}.
func (c *Client) Destroy(ctx context.Context, force bool) error {
	var resp OKResponse
	return c.roundTrip(ctx, Request{Op: OpDestroy, Force: force}, &resp)
}

// roundTrip writes one request line, reads one response line, and decodes
// it into out. The server may answer an error in place of the expected
// shape ({"ok":false,"err":"..."}), which roundTrip detects by probing the
// "ok" field before committing to out's type.
func (c *Client) roundTrip(ctx context.Context, req Request, out any) error {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("control: write request: %w", err)
	}

	scanner := bufio.NewScanner(c.conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("control: read response: %w", err)
		}
		return fmt.Errorf("control: connection closed without a response")
	}
	line := scanner.Bytes()

	var probe struct {
		OK  *bool  `json:"ok"`
		Err string `json:"err"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return fmt.Errorf("control: decode response: %w", err)
	}
	if probe.OK != nil && !*probe.OK {
		return fmt.Errorf("control: %s", probe.Err)
	}

	return json.Unmarshal(line, out)
}

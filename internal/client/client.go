// Package client is the typed front-end API over any transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/internal/transport"
)

// Client drives one named session. It does not own the transport.
type Client struct {
	tr      transport.Transport
	session string
}

// New creates a client for session over tr.
func New(tr transport.Transport, session string) *Client {
	return &Client{tr: tr, session: session}
}

// Session returns the session name.
func (c *Client) Session() string {
	return c.session
}

func (c *Client) roundTrip(ctx context.Context, req models.Request) (models.Response, error) {
	req.Session = c.session
	resp, err := c.tr.RoundTrip(ctx, req)
	if err != nil {
		return resp, err
	}
	return resp, resp.Error()
}

// Attach joins the session, creating it with model if it is not live. An
// empty model selects the server default.
func (c *Client) Attach(ctx context.Context, model string) error {
	req := models.Request{Command: protocol.CommandAttach}
	if model != "" {
		raw, err := json.Marshal(model)
		if err != nil {
			return err
		}
		req.Value = raw
	}
	_, err := c.roundTrip(ctx, req)
	return err
}

// Detach leaves the session.
func (c *Client) Detach(ctx context.Context) error {
	_, err := c.roundTrip(ctx, models.Request{Command: protocol.CommandDetach})
	return err
}

// Do runs an action.
func (c *Client) Do(ctx context.Context, action string) error {
	_, err := c.roundTrip(ctx, models.Request{Command: protocol.CommandDo, Target: action})
	return err
}

// Get decodes parameter name into v.
func (c *Client) Get(ctx context.Context, name string, v interface{}) error {
	resp, err := c.roundTrip(ctx, models.Request{Command: protocol.CommandGet, Target: name})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Value, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

// GetFloat is Get for scalar parameters.
func (c *Client) GetFloat(ctx context.Context, name string) (float64, error) {
	var v float64
	err := c.Get(ctx, name, &v)
	return v, err
}

// Set assigns parameter name.
func (c *Client) Set(ctx context.Context, name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	_, err = c.roundTrip(ctx, models.Request{Command: protocol.CommandSet, Target: name, Value: raw})
	return err
}

// GetArray fetches array name.
func (c *Client) GetArray(ctx context.Context, name string) (*protocol.Array, error) {
	resp, err := c.roundTrip(ctx, models.Request{Command: protocol.CommandGetArray, Target: name})
	if err != nil {
		return nil, err
	}
	return resp.Array, nil
}

// SetArray replaces array name.
func (c *Client) SetArray(ctx context.Context, name string, a *protocol.Array) error {
	_, err := c.roundTrip(ctx, models.Request{Command: protocol.CommandSetArray, Target: name, Array: a})
	return err
}

// Commands lists the targets the session recognises.
func (c *Client) Commands(ctx context.Context) (models.AvailableCommands, error) {
	var cmds models.AvailableCommands
	err := c.Get(ctx, "available_commands", &cmds)
	return cmds, err
}

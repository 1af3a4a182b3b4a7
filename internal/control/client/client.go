package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/control"
)

const (
	// defaultTimeout is used when the caller does not provide a context deadline.
	defaultTimeout = 3 * time.Second
)

// Client talks to the running adskipd daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// Status mirrors the gate status returned by the daemon.
	Status = control.Status
	// History carries the daemon's recent activation records.
	History = control.History
	// RuleEntry mirrors a stored keyword rule and its effective keywords.
	RuleEntry = control.RuleEntry
	// RuleList aggregates every stored rule.
	RuleList = control.RuleList
	// AppEntry mirrors one installed application.
	AppEntry = control.AppEntry
	// AppList aggregates installed applications.
	AppList = control.AppList
)

// New creates a client that connects to the provided socket path. When path is
// empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Status retrieves the gate state, cooldown and optional metrics.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.do(ctx, control.Request{Action: control.ActionStatus}, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// History retrieves recent activation records.
func (c *Client) History(ctx context.Context) (History, error) {
	var history History
	if err := c.do(ctx, control.Request{Action: control.ActionHistory}, &history); err != nil {
		return History{}, err
	}
	return history, nil
}

// Reload asks the daemon to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

// Rule fetches the stored rule for app.
func (c *Client) Rule(ctx context.Context, app string) (RuleEntry, error) {
	if strings.TrimSpace(app) == "" {
		return RuleEntry{}, errors.New("app cannot be empty")
	}
	var entry RuleEntry
	req := control.Request{Action: control.ActionRulesGet, Params: map[string]any{"app": app}}
	if err := c.do(ctx, req, &entry); err != nil {
		return RuleEntry{}, err
	}
	return entry, nil
}

// SetRule stores raw keywords for app. A blank raw value clears the rule.
func (c *Client) SetRule(ctx context.Context, app, raw string) error {
	if strings.TrimSpace(app) == "" {
		return errors.New("app cannot be empty")
	}
	params := map[string]any{"app": app, "raw": raw}
	return c.do(ctx, control.Request{Action: control.ActionRulesSet, Params: params}, nil)
}

// ClearRule removes the stored rule for app.
func (c *Client) ClearRule(ctx context.Context, app string) error {
	return c.SetRule(ctx, app, "")
}

// Rules lists every stored rule.
func (c *Client) Rules(ctx context.Context) (RuleList, error) {
	var list RuleList
	if err := c.do(ctx, control.Request{Action: control.ActionRulesList}, &list); err != nil {
		return RuleList{}, err
	}
	return list, nil
}

// Apps lists installed applications whose label or package contains filter.
func (c *Client) Apps(ctx context.Context, filter string) (AppList, error) {
	req := control.Request{Action: control.ActionAppsList}
	if filter != "" {
		req.Params = map[string]any{"filter": filter}
	}
	var list AppList
	if err := c.do(ctx, req, &list); err != nil {
		return AppList{}, err
	}
	return list, nil
}

// ScanApps asks the daemon to refresh the installed application list.
func (c *Client) ScanApps(ctx context.Context) (AppList, error) {
	var list AppList
	if err := c.do(ctx, control.Request{Action: control.ActionAppsScan}, &list); err != nil {
		return AppList{}, err
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

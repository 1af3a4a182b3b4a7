package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/util"
)

const (
	// KindWindowState announces that a different window came to the front.
	KindWindowState = "windowstate"
	// KindWindowContent announces a content change inside the current window.
	KindWindowContent = "windowcontent"
)

// Event is one UI change notification. Payload carries the application
// identifier that owns the window.
type Event struct {
	Kind    string
	Payload string
}

// String renders the event in its wire form.
func (e Event) String() string {
	return e.Kind + ">>" + e.Payload
}

// ParseEvent decodes a "kind>>payload" line.
func ParseEvent(line string) Event {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), ">>", 2)
	ev := Event{Kind: strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		ev.Payload = strings.TrimSpace(parts[1])
	}
	return ev
}

// Subscribe listens on the event socket at path and streams events from every
// connected publisher until context cancellation.
func Subscribe(ctx context.Context, path string, logger *util.Logger) (<-chan Event, error) {
	if path == "" {
		var err error
		if path, err = EventSocketPath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale event socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen event socket: %w", err)
	}
	events := make(chan Event)
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go func() {
		defer close(events)
		defer os.Remove(path)
		defer wg.Wait()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					logger.Warnf("event socket accept failed: %v", err)
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				readEvents(ctx, conn, events, logger)
			}()
		}
	}()
	return events, nil
}

func readEvents(ctx context.Context, conn net.Conn, events chan<- Event, logger *util.Logger) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case events <- ParseEvent(line):
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Warnf("event stream error: %v", err)
	}
}

// Publish writes events to the socket at path, one line each.
func Publish(ctx context.Context, path string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	if path == "" {
		var err error
		if path, err = EventSocketPath(); err != nil {
			return err
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("connect event socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(ev.String())
		b.WriteByte('\n')
	}
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

// EventSocketPath resolves the default event socket location.
func EventSocketPath() (string, error) {
	if override := os.Getenv("ADSKIPPER_EVENT_SOCKET"); override != "" {
		return override, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, "adskipper", "events.sock"), nil
}

// ForegroundSource reports the package owning the focused window.
type ForegroundSource interface {
	ForegroundPackage(ctx context.Context) (string, error)
}

// Poll turns a foreground source into an event stream: a windowstate event
// when the foreground package changes and a windowcontent event on every
// other tick.
func Poll(ctx context.Context, src ForegroundSource, interval time.Duration, logger *util.Logger) <-chan Event {
	if interval <= 0 {
		interval = time.Second
	}
	events := make(chan Event)
	go func() {
		defer close(events)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := ""
		for {
			pkg, err := src.ForegroundPackage(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				logger.Debugf("foreground poll failed: %v", err)
			case pkg != "":
				kind := KindWindowContent
				if pkg != last {
					kind = KindWindowState
					last = pkg
				}
				select {
				case events <- Event{Kind: kind, Payload: pkg}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return events
}

package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/termshare/termshare/internal/crypto"
	"github.com/termshare/termshare/internal/logger"
	"github.com/termshare/termshare/internal/ws"
)

// CapturerFactory creates a fresh PaneCapturer for a named session — the
// daemon's notion of "the terminal backend" (spec §4.2 Daemon RPC). Swap
// this to back attach-session with tmux/screen panes instead of the
// reference vtCapturer.
type CapturerFactory func(name string) (PaneCapturer, error)

type attachedSession struct {
	controller *Controller
	cancel     context.CancelFunc
}

// Daemon is the multi-session producer flavor: it owns zero or more
// attached Controllers and answers cli-command RPCs over one relay
// connection (spec §4.2 Daemon RPC, spec §2 "multi-session daemon").
type Daemon struct {
	transport   Transport
	newCapturer CapturerFactory

	mu           sync.Mutex
	known        map[string]struct{}
	attached     map[string]*attachedSession
	pollInterval time.Duration
}

// NewDaemon creates an empty daemon bound to one relay transport.
func NewDaemon(transport Transport, factory CapturerFactory) *Daemon {
	return &Daemon{
		transport:    transport,
		newCapturer:  factory,
		known:        make(map[string]struct{}),
		attached:     make(map[string]*attachedSession),
		pollInterval: DefaultPollInterval,
	}
}

// SetPollInterval changes the poll period applied to every controller
// attached from this point on, and to every currently attached controller —
// the hook config hot-reload (producer.WatchConfig) uses to apply a changed
// poll_interval without restarting sessions.
func (d *Daemon) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	d.pollInterval = interval
	sessions := make([]*attachedSession, 0, len(d.attached))
	for _, s := range d.attached {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		s.controller.SetPollInterval(interval)
	}
}

// HandleCommand dispatches one cli-command and returns the cli-response to
// send back (spec §4.2 Daemon RPC).
func (d *Daemon) HandleCommand(cmd ws.CLICommand) ws.CLIResponse {
	switch cmd.Command {
	case "list-sessions":
		return d.listSessions(cmd.CommandID)
	case "create-session":
		return d.createSession(cmd.CommandID, cmd.Params)
	case "attach-session":
		return d.attachSession(cmd.CommandID, cmd.Params)
	case "detach-session":
		return d.detachSession(cmd.CommandID, cmd.Params)
	default:
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: cmd.CommandID, Success: false, Error: "unknown command"}
	}
}

type sessionListEntry struct {
	Name           string `json:"name"`
	Attached       bool   `json:"attached"`
	ViewerCount    int    `json:"viewerCount"`
	BandwidthHuman string `json:"bandwidthHuman,omitempty"`
}

func (d *Daemon) listSessions(commandID string) ws.CLIResponse {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := make([]string, 0, len(d.known))
	for name := range d.known {
		all = append(all, name)
	}
	active := make([]string, 0, len(d.attached))
	sessions := make([]sessionListEntry, 0, len(d.known))
	for name := range d.known {
		as, attached := d.attached[name]
		entry := sessionListEntry{Name: name, Attached: attached}
		if attached {
			active = append(active, name)
			entry.ViewerCount = as.controller.ViewerCount()
			entry.BandwidthHuman = as.controller.HumanBytesOut()
		}
		sessions = append(sessions, entry)
	}

	return ws.CLIResponse{
		Type: ws.TypeCLIResponse, CommandID: commandID, Success: true,
		Data: map[string]any{"all": all, "active": active, "sessions": sessions},
	}
}

func nameParam(params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return "", fmt.Errorf("missing name")
	}
	return name, nil
}

func (d *Daemon) createSession(commandID string, params map[string]any) ws.CLIResponse {
	name, err := nameParam(params)
	if err != nil {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: err.Error()}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.known[name]; exists {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: "session already exists"}
	}
	d.known[name] = struct{}{}
	return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: true, Data: map[string]any{"name": name}}
}

func (d *Daemon) attachSession(commandID string, params map[string]any) ws.CLIResponse {
	name, err := nameParam(params)
	if err != nil {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: err.Error()}
	}

	d.mu.Lock()
	if _, known := d.known[name]; !known {
		d.mu.Unlock()
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: "unknown session"}
	}
	if _, attached := d.attached[name]; attached {
		d.mu.Unlock()
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: "already attached"}
	}
	d.mu.Unlock()

	capturer, err := d.newCapturer(name)
	if err != nil {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: err.Error()}
	}
	ctrl, err := NewController(name, capturer, d.transport)
	if err != nil {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: err.Error()}
	}
	d.mu.Lock()
	ctrl.SetPollInterval(d.pollInterval)
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.attached[name] = &attachedSession{controller: ctrl, cancel: cancel}
	d.mu.Unlock()

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Warn("producer: session run ended", "name", name, "err", err)
		}
	}()

	d.transport.Send(ws.SessionAttached{Type: ws.TypeSessionAttached, SessionID: name, PublicKey: ctrl.PublicKey(), Encrypted: true})

	code, _ := crypto.PairingCode{SessionID: name, PublicKey: ctrl.PublicKey(), Timestamp: time.Now().UnixMilli()}.Encode()
	return ws.CLIResponse{
		Type: ws.TypeCLIResponse, CommandID: commandID, Success: true,
		Data: map[string]any{"name": name, "publicKey": ctrl.PublicKey(), "pairingCode": code},
	}
}

func (d *Daemon) detachSession(commandID string, params map[string]any) ws.CLIResponse {
	name, err := nameParam(params)
	if err != nil {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: err.Error()}
	}
	d.mu.Lock()
	as, ok := d.attached[name]
	if ok {
		delete(d.attached, name)
	}
	d.mu.Unlock()
	if !ok {
		return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: false, Error: "not attached"}
	}
	as.cancel()
	d.transport.Send(ws.SessionDetached{Type: ws.TypeSessionDetached, SessionID: name})
	return ws.CLIResponse{Type: ws.TypeCLIResponse, CommandID: commandID, Success: true, Data: map[string]any{"name": name}}
}

// Dispatch routes decrypted/plain input and viewer lifecycle events to the
// named session's controller.
func (d *Daemon) Dispatch(sessionID string, fn func(*Controller)) {
	d.mu.Lock()
	as, ok := d.attached[sessionID]
	d.mu.Unlock()
	if ok {
		fn(as.controller)
	}
}

// ReannounceAll re-registers every currently attached session, used on
// transport reconnect (spec §4.2 Reconnect: "active-sessions summary in
// daemon mode").
func (d *Daemon) ReannounceAll() {
	d.mu.Lock()
	summaries := make([]ws.ActiveSessionSummary, 0, len(d.attached))
	for name, as := range d.attached {
		summaries = append(summaries, ws.ActiveSessionSummary{
			SessionID:   name,
			PublicKey:   as.controller.PublicKey(),
			Encrypted:   true,
			ViewerCount: as.controller.ViewerCount(),
		})
	}
	d.mu.Unlock()
	d.transport.Send(ws.ActiveSessions{Type: ws.TypeActiveSessions, Sessions: summaries})
}

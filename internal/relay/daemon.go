package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/termshare/termshare/internal/ws"
)

// daemonRPC tracks one outstanding HTTP-initiated daemon command while it
// waits for the matching cli-response (spec §4.1 Daemon RPC).
type daemonRPC struct {
	daemonID string
	reply    chan ws.CLIResponse
}

// daemonRouter pairs HTTP callers with connected daemons by commandId.
type daemonRouter struct {
	mu      sync.Mutex
	pending map[string]*daemonRPC
}

func newDaemonRouter() *daemonRouter {
	return &daemonRouter{pending: make(map[string]*daemonRPC)}
}

// dispatchDaemonCommand forwards a command to the first available daemon and waits up to
// daemonRPCTimeout for its response (spec §4.1: "command timeout 10s ⇒
// error:'Command timeout'").
func (s *Server) dispatchDaemonCommand(command string, params map[string]any) ws.CLIResponse {
	rec := s.dir.firstDaemon()
	if rec == nil {
		return ws.CLIResponse{Success: false, Error: "No CLI daemon connected"}
	}

	commandID := uuid.NewString()
	reply := make(chan ws.CLIResponse, 1)
	s.daemons.mu.Lock()
	s.daemons.pending[commandID] = &daemonRPC{daemonID: rec.DaemonID, reply: reply}
	s.daemons.mu.Unlock()

	defer func() {
		s.daemons.mu.Lock()
		delete(s.daemons.pending, commandID)
		s.daemons.mu.Unlock()
	}()

	rec.conn.Send(ws.CLICommand{Type: ws.TypeCLICommand, CommandID: commandID, Command: command, Params: params})

	ctx, cancel := context.WithTimeout(context.Background(), daemonRPCTimeout)
	defer cancel()
	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return ws.CLIResponse{CommandID: commandID, Success: false, Error: "Command timeout"}
	}
}

// resolveDaemonResponse delivers a daemon's cli-response to its waiting HTTP caller.
func (s *Server) resolveDaemonResponse(resp ws.CLIResponse) {
	s.daemons.mu.Lock()
	rpc, ok := s.daemons.pending[resp.CommandID]
	s.daemons.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rpc.reply <- resp:
	default:
	}
}

// completeOutstandingForDaemon is a no-op hook for a daemon that just
// disconnected: any command already forwarded to it still times out on its
// own clock (spec §5), so there is nothing to resolve early.
func (s *Server) completeOutstandingForDaemon(daemonID string) {}

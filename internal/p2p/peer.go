// Package p2p implements the optional WebRTC DataChannel fallback path
// (SPEC_FULL §9): once a viewer and producer are already paired over the
// relay, a viewer may offer to migrate the output stream onto a direct
// DataChannel to cut relay bandwidth and latency (the producer answers the
// viewer's offer; it does not initiate one), falling back to the relay
// automatically if the channel dies. Adapted from the teacher's
// internal/webrtc/peer.go PeerManager, generalized from relay-injected user
// identity to the session/viewer identity this protocol already carries.
package p2p

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/termshare/termshare/internal/logger"
)

// DCHandler is invoked when a new DataChannel opens for a viewer.
type DCHandler func(viewerID, sessionID string, dc *webrtc.DataChannel)

// PeerManager manages one WebRTC PeerConnection per viewer, keyed by
// viewerID (spec §3: viewer identity is scoped to one connection lifetime).
type PeerManager struct {
	mu         sync.Mutex
	peers      map[string]*webrtc.PeerConnection
	iceServers []webrtc.ICEServer
	dcHandler  DCHandler
}

// NewPeerManager creates a PeerManager with the given ICE servers. Pass nil
// for host-only ICE (same-LAN/loopback only, as in tests).
func NewPeerManager(iceServers []webrtc.ICEServer) *PeerManager {
	return &PeerManager{
		peers:      make(map[string]*webrtc.PeerConnection),
		iceServers: iceServers,
	}
}

// OnDC registers the callback invoked when a viewer's DataChannel opens.
func (pm *PeerManager) OnDC(handler DCHandler) {
	pm.mu.Lock()
	pm.dcHandler = handler
	pm.mu.Unlock()
}

// HandleOffer processes a pty.migrate SDP offer from a viewer and returns
// the producer's answer SDP (spec §9 supplemental: P2P migration).
func (pm *PeerManager) HandleOffer(viewerID, sessionID, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	pm.mu.Lock()
	if old, ok := pm.peers[viewerID]; ok {
		old.Close()
	}
	pm.peers[viewerID] = pc
	pm.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			logger.Info("p2p: data channel opened", "viewerId", viewerID, "sessionId", sessionID)
			pm.mu.Lock()
			handler := pm.dcHandler
			pm.mu.Unlock()
			if handler != nil {
				handler(viewerID, sessionID, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("p2p: connection state change", "viewerId", viewerID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			pm.mu.Lock()
			if pm.peers[viewerID] == pc {
				delete(pm.peers, viewerID)
			}
			pm.mu.Unlock()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// Drop closes and forgets one viewer's peer connection, e.g. on fallback.
func (pm *PeerManager) Drop(viewerID string) {
	pm.mu.Lock()
	pc, ok := pm.peers[viewerID]
	if ok {
		delete(pm.peers, viewerID)
	}
	pm.mu.Unlock()
	if ok {
		pc.Close()
	}
}

// Close shuts down every peer connection.
func (pm *PeerManager) Close() {
	pm.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(pm.peers))
	for _, pc := range pm.peers {
		peers = append(peers, pc)
	}
	pm.peers = make(map[string]*webrtc.PeerConnection)
	pm.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}

package p2p

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestLoopbackDataChannel(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()

	var dcOpened atomic.Bool
	var receivedMsg []byte
	var wg sync.WaitGroup
	wg.Add(1)

	pm.OnDC(func(viewerID, sessionID string, dc *webrtc.DataChannel) {
		dcOpened.Store(true)
		if sessionID != "demo-session" {
			t.Errorf("expected sessionID 'demo-session', got %q", sessionID)
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			receivedMsg = msg.Data
			wg.Done()
		})
	})

	viewerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("viewer PC: %v", err)
	}
	defer viewerPC.Close()

	dc, err := viewerPC.CreateDataChannel("pty", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	offer, err := viewerPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(viewerPC)
	if err := viewerPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	answerSDP, err := pm.HandleOffer("viewer-1", "demo-session", viewerPC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := viewerPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })
	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DC to open")
	}

	testMsg := []byte(`{"seq":1,"content":"aGVsbG8="}`)
	if err := dc.Send(testMsg); err != nil {
		t.Fatalf("dc send: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if !dcOpened.Load() {
		t.Error("DC handler was never called")
	}
	if string(receivedMsg) != string(testMsg) {
		t.Errorf("received %q, want %q", receivedMsg, testMsg)
	}
}

func TestSwappableWriterOrdering(t *testing.T) {
	var messages []string
	var mu sync.Mutex

	relayWrite := func(v any) error {
		data, _ := json.Marshal(v)
		mu.Lock()
		messages = append(messages, "relay:"+string(data))
		mu.Unlock()
		return nil
	}

	sw := NewSwappableWriter("s1", "viewer-1", relayWrite)
	sw.Write(map[string]string{"msg": "1"})
	if sw.Mode() != "relay" {
		t.Fatalf("mode = %s, want relay", sw.Mode())
	}

	mockWrite := func(v any) error {
		data, _ := json.Marshal(v)
		mu.Lock()
		messages = append(messages, "dc:"+string(data))
		mu.Unlock()
		return nil
	}

	sw.mu.Lock()
	_ = sw.relayWrite(map[string]string{"type": "pty.migrated"})
	sw.dcWrite = mockWrite
	sw.mode = "p2p"
	sw.mu.Unlock()

	sw.Write(map[string]string{"msg": "2"})
	if sw.Mode() != "p2p" {
		t.Fatalf("mode = %s, want p2p", sw.Mode())
	}

	if err := sw.FallbackToRelay(); err != nil {
		t.Fatalf("FallbackToRelay: %v", err)
	}
	sw.Write(map[string]string{"msg": "3"})
	if sw.Mode() != "relay" {
		t.Fatalf("mode = %s, want relay", sw.Mode())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %v", len(messages), messages)
	}
	wantPrefix := []string{"relay:", "relay:", "dc:", "relay:", "relay:"}
	for i, want := range wantPrefix {
		if len(messages[i]) < len(want) || messages[i][:len(want)] != want {
			t.Errorf("message %d: expected prefix %q, got %q", i, want, messages[i])
		}
	}
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/termshare/termshare/internal/ws"
)

func startTestRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	s := NewServer()
	hs := httptest.NewServer(s)
	t.Cleanup(hs.Close)
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	return hs, wsURL
}

func dial(t *testing.T, base, query string) *websocket.Conn {
	t.Helper()
	u := base + "/ws/relay?" + query
	c, _, err := websocket.Dial(context.Background(), u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) (ws.Envelope, json.RawMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env, json.RawMessage(data)
}

func readEnvelopeOfType(t *testing.T, c *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		env, raw := readEnvelope(t, c)
		if env.Type == want {
			return raw
		}
	}
	t.Fatalf("did not observe message of type %q", want)
	return nil
}

func writeMsg(t *testing.T, c *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// Scenario 1: encrypted happy path.
func TestEncryptedHappyPath(t *testing.T) {
	_, base := startTestRelay(t)

	producer := dial(t, base, "role=producer&sessionId=demo&publicKey=cHJvZHVjZXJrZXk=")
	viewerA := dial(t, base, "role=viewer&sessionId=demo&publicKey=dmlld2VyYWtleQ==")

	status := readEnvelopeOfType(t, viewerA, ws.TypeCLIStatus)
	var cs ws.CLIStatus
	_ = json.Unmarshal(status, &cs)
	if !cs.Connected || !cs.Encrypted {
		t.Fatalf("expected connected+encrypted cli-status, got %+v", cs)
	}

	joined := readEnvelopeOfType(t, producer, ws.TypeViewerJoined)
	var vj ws.ViewerJoined
	_ = json.Unmarshal(joined, &vj)
	if vj.PublicKey != "dmlld2VyYWtleQ==" {
		t.Fatalf("viewer-joined publicKey = %q", vj.PublicKey)
	}

	writeMsg(t, producer, ws.EncryptedOutput{
		Type: ws.TypeEncryptedOutput, ViewerID: vj.ViewerID,
		Encrypted: ws.Encrypted{Nonce: "n1", Ciphertext: "c1"}, Seq: 1, Timestamp: 1000,
	})
	out := readEnvelopeOfType(t, viewerA, ws.TypeEncryptedOutput)
	var eo ws.EncryptedOutput
	_ = json.Unmarshal(out, &eo)
	if eo.Seq != 1 || eo.Encrypted.Ciphertext != "c1" {
		t.Fatalf("unexpected encrypted-output: %+v", eo)
	}

	writeMsg(t, producer, ws.EncryptedOutput{
		Type: ws.TypeEncryptedOutput, ViewerID: vj.ViewerID,
		Encrypted: ws.Encrypted{Nonce: "n2", Ciphertext: "c2"}, Seq: 2, Timestamp: 2000,
	})
	out2 := readEnvelopeOfType(t, viewerA, ws.TypeEncryptedOutput)
	var eo2 ws.EncryptedOutput
	_ = json.Unmarshal(out2, &eo2)
	if eo2.Seq != 2 {
		t.Fatalf("expected seq=2, got %d", eo2.Seq)
	}
}

// Scenario 3: control arbitration.
func TestControlArbitration(t *testing.T) {
	_, base := startTestRelay(t)

	dial(t, base, "role=producer&sessionId=ctl")
	viewerA := dial(t, base, "role=viewer&sessionId=ctl&nickname=alice")
	readEnvelopeOfType(t, viewerA, ws.TypeCLIStatus)
	viewerB := dial(t, base, "role=viewer&sessionId=ctl&nickname=bob")
	readEnvelopeOfType(t, viewerB, ws.TypeCLIStatus)

	writeMsg(t, viewerA, ws.RequestControl{Type: ws.TypeRequestControl})
	statusA := readEnvelopeOfType(t, viewerA, ws.TypeControlStatus)
	var cs ws.ControlStatus
	_ = json.Unmarshal(statusA, &cs)
	if !cs.Locked || cs.HolderNickname != "alice" {
		t.Fatalf("expected alice to hold lock, got %+v", cs)
	}
	readEnvelopeOfType(t, viewerB, ws.TypeControlStatus)

	writeMsg(t, viewerB, ws.RequestControl{Type: ws.TypeRequestControl})
	denied := readEnvelopeOfType(t, viewerB, ws.TypeControlDenied)
	var cd ws.ControlDenied
	_ = json.Unmarshal(denied, &cd)
	if cd.HolderNickname != "alice" {
		t.Fatalf("expected denial naming alice, got %+v", cd)
	}

	writeMsg(t, viewerB, ws.Input{Type: ws.TypeInput, Keys: "x", Kind: "text"})
	rejected := readEnvelopeOfType(t, viewerB, ws.TypeInputRejected)
	var ir ws.InputRejected
	_ = json.Unmarshal(rejected, &ir)
	if ir.Reason != "not-controller" {
		t.Fatalf("expected not-controller, got %+v", ir)
	}
}

// Scenario 3: an idle holder's lock expires and a second viewer's
// request-control is granted without either viewer disconnecting.
func TestControlLockExpiresAndRegrants(t *testing.T) {
	orig := controlIdleTimeout
	controlIdleTimeout = 30 * time.Millisecond
	t.Cleanup(func() { controlIdleTimeout = orig })

	_, base := startTestRelay(t)

	dial(t, base, "role=producer&sessionId=ctl-expiry")
	viewerA := dial(t, base, "role=viewer&sessionId=ctl-expiry&nickname=alice")
	readEnvelopeOfType(t, viewerA, ws.TypeCLIStatus)
	viewerB := dial(t, base, "role=viewer&sessionId=ctl-expiry&nickname=bob")
	readEnvelopeOfType(t, viewerB, ws.TypeCLIStatus)

	writeMsg(t, viewerA, ws.RequestControl{Type: ws.TypeRequestControl})
	statusA := readEnvelopeOfType(t, viewerA, ws.TypeControlStatus)
	var cs ws.ControlStatus
	_ = json.Unmarshal(statusA, &cs)
	if !cs.Locked || cs.HolderNickname != "alice" {
		t.Fatalf("expected alice to hold lock, got %+v", cs)
	}
	readEnvelopeOfType(t, viewerB, ws.TypeControlStatus)

	// Alice goes idle past controlIdleTimeout without sending input.
	time.Sleep(60 * time.Millisecond)

	writeMsg(t, viewerB, ws.RequestControl{Type: ws.TypeRequestControl})
	statusB := readEnvelopeOfType(t, viewerB, ws.TypeControlStatus)
	var cs2 ws.ControlStatus
	_ = json.Unmarshal(statusB, &cs2)
	if !cs2.Locked || cs2.HolderNickname != "bob" {
		t.Fatalf("expected bob to be granted the lock after alice's idle expiry, got %+v", cs2)
	}
}

// Scenario 4: producer crash -> cli-status, input error, reconnect.
func TestProducerCrashAndReconnect(t *testing.T) {
	_, base := startTestRelay(t)

	producer := dial(t, base, "role=producer&sessionId=crash&publicKey=a2V5MQ==")
	viewer := dial(t, base, "role=viewer&sessionId=crash")
	readEnvelopeOfType(t, viewer, ws.TypeCLIStatus)

	producer.Close(websocket.StatusNormalClosure, "")
	down := readEnvelopeOfType(t, viewer, ws.TypeCLIStatus)
	var cs ws.CLIStatus
	_ = json.Unmarshal(down, &cs)
	if cs.Connected {
		t.Fatalf("expected connected=false after producer disconnect, got %+v", cs)
	}

	writeMsg(t, viewer, ws.Input{Type: ws.TypeInput, Keys: "a", Kind: "text"})
	errMsg := readEnvelopeOfType(t, viewer, ws.TypeError)
	var em ws.ErrorMsg
	_ = json.Unmarshal(errMsg, &em)
	if em.Message != "CLI not connected" {
		t.Fatalf("expected CLI not connected, got %+v", em)
	}

	reconnected := dial(t, base, "role=producer&sessionId=crash&publicKey=a2V5Mg==")
	up := readEnvelopeOfType(t, viewer, ws.TypeCLIStatus)
	var cs2 ws.CLIStatus
	_ = json.Unmarshal(up, &cs2)
	if !cs2.Connected || cs2.PublicKey != "a2V5Mg==" {
		t.Fatalf("expected reconnect with new key, got %+v", cs2)
	}
	_ = reconnected
}

// Scenario 5: daemon RPC via HTTP, including the no-daemon-connected case.
func TestDaemonRPCOverHTTP(t *testing.T) {
	hs, base := startTestRelay(t)

	// No daemon connected yet.
	resp, err := http.Post(hs.URL+"/api/daemon/command", "application/json",
		strings.NewReader(`{"command":"create-session","params":{"name":"x"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["error"] != "No CLI daemon connected" {
		t.Fatalf("expected no-daemon error, got %+v", body)
	}

	daemon := dial(t, base, "role=daemon")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			env, raw := readEnvelope(t, daemon)
			if env.Type != ws.TypeCLICommand {
				continue
			}
			var cmd ws.CLICommand
			_ = json.Unmarshal(raw, &cmd)
			writeMsg(t, daemon, ws.CLIResponse{
				Type: ws.TypeCLIResponse, CommandID: cmd.CommandID,
				Success: true, Data: map[string]any{"name": "x"},
			})
			return
		}
	}()

	resp2, err := http.Post(hs.URL+"/api/daemon/command", "application/json",
		strings.NewReader(`{"command":"create-session","params":{"name":"x"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body2 map[string]any
	_ = json.NewDecoder(resp2.Body).Decode(&body2)
	resp2.Body.Close()
	if body2["success"] != true {
		t.Fatalf("expected success:true, got %+v", body2)
	}
	<-done
}

// Scenario 6: ownership enumeration.
func TestOwnershipEnumeration(t *testing.T) {
	hs, base := startTestRelay(t)

	dial(t, base, "role=producer&sessionId=a&userSecret=s")
	time.Sleep(20 * time.Millisecond) // ensure distinct CreatedAt ordering
	dial(t, base, "role=producer&sessionId=b&userSecret=s")

	resp, err := http.Post(hs.URL+"/api/user/sessions", "application/json", strings.NewReader(`{"userSecret":"s"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []Summary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[0].SessionID != "b" {
		t.Fatalf("expected [b,a] newest-first, got %+v", body.Sessions)
	}

	resp2, _ := http.Post(hs.URL+"/api/user/sessions", "application/json", strings.NewReader(`{"userSecret":"other"}`))
	defer resp2.Body.Close()
	var body2 struct {
		Sessions []Summary `json:"sessions"`
	}
	_ = json.NewDecoder(resp2.Body).Decode(&body2)
	if len(body2.Sessions) != 0 {
		t.Fatalf("expected empty list for different secret, got %+v", body2.Sessions)
	}
}

func TestHealthEndpoint(t *testing.T) {
	hs, _ := startTestRelay(t)
	resp, err := http.Get(hs.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
}

func TestSessionNotFound(t *testing.T) {
	hs, _ := startTestRelay(t)
	resp, err := http.Get(hs.URL + "/api/sessions/" + url.PathEscape("missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUnencryptedLastOutputReplay(t *testing.T) {
	_, base := startTestRelay(t)
	producer := dial(t, base, "role=producer&sessionId=plain")
	writeMsg(t, producer, ws.Output{Type: ws.TypeOutput, Seq: 1, Content: "hello\n", Timestamp: 1})

	viewer := dial(t, base, "role=viewer&sessionId=plain")
	readEnvelopeOfType(t, viewer, ws.TypeCLIStatus)
	out := readEnvelopeOfType(t, viewer, ws.TypeOutput)
	var o ws.Output
	_ = json.Unmarshal(out, &o)
	if o.Seq != 1 || o.Content != "hello\n" {
		t.Fatalf("expected replay of last output, got %+v", o)
	}
}

func TestHistoryRingBounds(t *testing.T) {
	s := newSession("ring", "")
	for i := int64(1); i <= 150; i++ {
		s.routeOutput(nil, i, fmt.Sprintf("frame-%d", i), i)
	}
	if len(s.outputHistory.snapshot()) != historyRingSize {
		t.Fatalf("expected ring capped at %d, got %d", historyRingSize, len(s.outputHistory.snapshot()))
	}
	newest := s.outputHistory.snapshot()[historyRingSize-1]
	if newest.Seq != 150 {
		t.Fatalf("expected newest entry seq=150, got %d", newest.Seq)
	}
}

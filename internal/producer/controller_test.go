package producer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/termshare/termshare/internal/crypto"
	"github.com/termshare/termshare/internal/ws"
)

// fakeCapturer is a scripted PaneCapturer: each call to Snapshot returns the
// next frame from frames, repeating the last one once exhausted.
type fakeCapturer struct {
	mu       sync.Mutex
	frames   [][]byte
	idx      int
	injected [][]byte
	resized  [2]int
}

func (f *fakeCapturer) Start(ctx context.Context) error { return nil }

func (f *fakeCapturer) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, nil
	}
	if f.idx < len(f.frames) {
		cur := f.frames[f.idx]
		f.idx++
		return cur, nil
	}
	return f.frames[len(f.frames)-1], nil
}

func (f *fakeCapturer) Resize(cols, rows int) error {
	f.mu.Lock()
	f.resized = [2]int{cols, rows}
	f.mu.Unlock()
	return nil
}

func (f *fakeCapturer) Inject(data []byte) error {
	f.mu.Lock()
	f.injected = append(f.injected, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeCapturer) InjectSpecial(name string) error {
	return f.Inject([]byte("special:" + name))
}

func (f *fakeCapturer) Close() error { return nil }

// fakeTransport records every message the controller sends outward.
type fakeTransport struct {
	mu  sync.Mutex
	out []any
}

func (t *fakeTransport) Send(msg any) {
	t.mu.Lock()
	t.out = append(t.out, msg)
	t.mu.Unlock()
}

func (t *fakeTransport) snapshot() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.out))
	copy(out, t.out)
	return out
}

func newTestController(t *testing.T, frames [][]byte) (*Controller, *fakeCapturer, *fakeTransport) {
	t.Helper()
	cap := &fakeCapturer{frames: frames}
	tr := &fakeTransport{}
	ctrl, err := NewController("test", cap, tr)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	ctrl.SetPollInterval(5 * time.Millisecond)
	return ctrl, cap, tr
}

func TestIdempotentSnapshotProducesOneFrame(t *testing.T) {
	ctrl, _, tr := newTestController(t, [][]byte{[]byte("hello")})

	viewer, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ctrl.OnViewerJoined("v1", viewer.PublicKeyBase64())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = ctrl.Run(ctx)

	out := tr.snapshot()
	var seqs []int64
	for _, m := range out {
		if eo, ok := m.(ws.EncryptedOutput); ok {
			seqs = append(seqs, eo.Seq)
		}
	}
	if len(seqs) == 0 {
		t.Fatal("expected at least one encrypted-output frame")
	}
	for _, s := range seqs {
		if s != seqs[0] {
			t.Fatalf("identical consecutive snapshots produced more than one seq: %v", seqs)
		}
	}
}

func TestChangedSnapshotsIncrementSeq(t *testing.T) {
	ctrl, _, tr := newTestController(t, [][]byte{[]byte("a"), []byte("b"), []byte("b"), []byte("c")})

	viewer, _ := crypto.GenerateKeyPair()
	ctrl.OnViewerJoined("v1", viewer.PublicKeyBase64())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = ctrl.Run(ctx)

	out := tr.snapshot()
	seen := make(map[int64]bool)
	for _, m := range out {
		if eo, ok := m.(ws.EncryptedOutput); ok {
			seen[eo.Seq] = true
		}
	}
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 distinct seqs for a/b/c, got %d: %v", len(seen), seen)
	}
}

func TestOnViewerJoinedReplaysLastFrameImmediately(t *testing.T) {
	ctrl, _, tr := newTestController(t, [][]byte{[]byte("first-frame")})

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	viewer, _ := crypto.GenerateKeyPair()
	ctrl.OnViewerJoined("late-joiner", viewer.PublicKeyBase64())

	found := false
	for _, m := range tr.snapshot() {
		if eo, ok := m.(ws.EncryptedOutput); ok && eo.ViewerID == "late-joiner" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an immediate replay frame addressed to the late-joining viewer")
	}
}

func TestOnViewerLeftDropsSecret(t *testing.T) {
	ctrl, _, _ := newTestController(t, [][]byte{[]byte("x")})
	viewer, _ := crypto.GenerateKeyPair()
	ctrl.OnViewerJoined("v1", viewer.PublicKeyBase64())
	if ctrl.ViewerCount() != 1 {
		t.Fatalf("expected 1 viewer, got %d", ctrl.ViewerCount())
	}
	ctrl.OnViewerLeft("v1")
	if ctrl.ViewerCount() != 0 {
		t.Fatalf("expected 0 viewers after leave, got %d", ctrl.ViewerCount())
	}
}

func TestOnEncryptedInputDecryptFailureIsDropped(t *testing.T) {
	ctrl, cap, _ := newTestController(t, [][]byte{[]byte("x")})
	viewer, _ := crypto.GenerateKeyPair()
	ctrl.OnViewerJoined("v1", viewer.PublicKeyBase64())

	// Garbage ciphertext from a paired viewer must not panic or inject.
	ctrl.OnEncryptedInput("v1", ws.Encrypted{Nonce: "not-base64!!", Ciphertext: "also-not-base64!!"})
	if len(cap.injected) != 0 {
		t.Fatal("malformed encrypted input should never reach the capturer")
	}
}

func TestOnEncryptedInputRoundTripInjects(t *testing.T) {
	ctrl, cap, _ := newTestController(t, [][]byte{[]byte("x")})
	viewerKP, _ := crypto.GenerateKeyPair()
	ctrl.OnViewerJoined("v1", viewerKP.PublicKeyBase64())

	secret, err := crypto.Derive(viewerKP, ctrl.PublicKey())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	payload, _ := json.Marshal(ws.InputPayload{Keys: "ls\n", Type: "text"})
	env, err := secret.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ctrl.OnEncryptedInput("v1", ws.Encrypted{Nonce: env.Nonce, Ciphertext: env.Ciphertext})

	if len(cap.injected) != 1 || string(cap.injected[0]) != "ls\n" {
		t.Fatalf("expected injected %q, got %v", "ls\n", cap.injected)
	}
}

func TestResizeForwardsToCapturer(t *testing.T) {
	ctrl, cap, _ := newTestController(t, [][]byte{[]byte("x")})
	if err := ctrl.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if cap.resized != [2]int{120, 40} {
		t.Fatalf("capturer did not receive resize, got %v", cap.resized)
	}
}

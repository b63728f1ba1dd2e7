package ws

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	out := EncryptedOutput{
		Type:     TypeEncryptedOutput,
		ViewerID: "v1",
		Encrypted: Encrypted{
			Nonce:      "bm9uY2U=",
			Ciphertext: "Y2lwaGVy",
		},
		Seq:       3,
		Timestamp: 1700000000000,
	}

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Type != TypeEncryptedOutput {
		t.Fatalf("Type = %q, want %q", env.Type, TypeEncryptedOutput)
	}

	var decoded EncryptedOutput
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ViewerID != out.ViewerID {
		t.Errorf("ViewerID = %q, want %q", decoded.ViewerID, out.ViewerID)
	}
	if decoded.Seq != out.Seq {
		t.Errorf("Seq = %d, want %d", decoded.Seq, out.Seq)
	}
	if decoded.Encrypted.Nonce != out.Encrypted.Nonce {
		t.Errorf("Nonce = %q, want %q", decoded.Encrypted.Nonce, out.Encrypted.Nonce)
	}
}

func TestControlStatusOptionalFields(t *testing.T) {
	unlocked := ControlStatus{Type: TypeControlStatus, Locked: false}
	data, err := json.Marshal(unlocked)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"holderId", "holderNickname", "acquiredAt"} {
		if _, present := raw[field]; present {
			t.Errorf("unlocked ControlStatus should omit %q, got it present", field)
		}
	}
}

func TestInputPayloadKinds(t *testing.T) {
	for _, kind := range []string{"text", "special"} {
		p := InputPayload{Keys: "a", Type: kind}
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", kind, err)
		}
		var decoded InputPayload
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal(%s): %v", kind, err)
		}
		if decoded.Type != kind {
			t.Errorf("Type = %q, want %q", decoded.Type, kind)
		}
	}
}

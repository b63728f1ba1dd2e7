package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveRoundTrip(t *testing.T) {
	producer, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair producer: %v", err)
	}
	viewer, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair viewer: %v", err)
	}

	secretA, err := Derive(producer, viewer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Derive (producer side): %v", err)
	}
	secretB, err := Derive(viewer, producer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Derive (viewer side): %v", err)
	}

	msg := []byte("hello, world")
	env, err := secretA.Seal(msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := secretB.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Open = %q, want %q", got, msg)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	producer, _ := GenerateKeyPair()
	viewer, _ := GenerateKeyPair()
	stranger, _ := GenerateKeyPair()

	secretA, err := Derive(producer, viewer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	secretWrong, err := Derive(stranger, viewer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Derive stranger: %v", err)
	}

	env, err := secretA.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := secretWrong.Open(env); err == nil {
		t.Error("Open with wrong shared secret should fail, got nil error")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	secret, err := Derive(a, b.PublicKeyBase64())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	env, err := secret.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// Flip a bit in the first character of the ciphertext to corrupt it; all
	// six bits of that character are data, so the decoded bytes always change
	// (or the character stops being valid base64).
	corrupted := []byte(env.Ciphertext)
	corrupted[0] ^= 1
	env.Ciphertext = string(corrupted)

	if _, err := secret.Open(env); err == nil {
		t.Error("Open with tampered ciphertext should fail, got nil error")
	}
}

func TestPairingCodeRoundTrip(t *testing.T) {
	p := PairingCode{SessionID: "demo", PublicKey: "cHVia2V5", Timestamp: 1700000000000}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodePairingCode(encoded)
	if err != nil {
		t.Fatalf("DecodePairingCode: %v", err)
	}
	if decoded != p {
		t.Errorf("decoded = %+v, want %+v", decoded, p)
	}
}

func TestPairingCodeMissingFieldInvalid(t *testing.T) {
	p := PairingCode{SessionID: "demo", PublicKey: "", Timestamp: 1700000000000}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodePairingCode(encoded); err == nil {
		t.Error("expected error for pairing code missing publicKey")
	}
}

func TestDeriveUserIDDeterministic(t *testing.T) {
	a := DeriveUserID("my-secret")
	b := DeriveUserID("my-secret")
	c := DeriveUserID("different-secret")
	if a != b {
		t.Error("DeriveUserID should be deterministic for the same input")
	}
	if a == c {
		t.Error("DeriveUserID should differ for different inputs")
	}
}

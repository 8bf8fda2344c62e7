package ipcsign

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	secret := Secret("test-secret-key")
	obj := map[string]any{"status": "result", "result": "42", "sessionId": "abc"}

	signed, err := Sign(obj, secret)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, ok := signed[hmacField]; !ok {
		t.Fatal("signed object missing _hmac field")
	}
	if !Verify(signed, secret) {
		t.Error("Verify should accept a freshly signed object")
	}
}

func TestVerify_RejectsTamperedField(t *testing.T) {
	secret := Secret("test-secret-key")
	obj := map[string]any{"status": "result", "result": "42"}

	signed, err := Sign(obj, secret)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed["result"] = "43"
	if Verify(signed, secret) {
		t.Error("Verify should reject a tampered payload")
	}
}

func TestVerify_RejectsFlippedSignatureByte(t *testing.T) {
	secret := Secret("test-secret-key")
	obj := map[string]any{"status": "done"}

	signed, err := Sign(obj, secret)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digest := signed[hmacField].(string)
	flipped := []byte(digest)
	flipped[0] ^= 0x01
	signed[hmacField] = string(flipped)

	if Verify(signed, secret) {
		t.Error("Verify should reject a flipped signature byte")
	}
}

func TestVerify_MissingHMACField(t *testing.T) {
	obj := map[string]any{"status": "done"}
	if Verify(obj, Secret("k")) {
		t.Error("Verify should reject an object with no _hmac field")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	obj := map[string]any{"status": "done"}
	signed, err := Sign(obj, Secret("secret-a"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if Verify(signed, Secret("secret-b")) {
		t.Error("Verify should reject a signature produced with a different secret")
	}
}

func TestLoadOrCreateSecret_PersistsAndReuses(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateSecret(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateSecret: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected a non-empty generated secret")
	}

	second, err := LoadOrCreateSecret(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateSecret (reload): %v", err)
	}
	if string(first) != string(second) {
		t.Error("expected the same secret to be reloaded from disk")
	}

	info, err := os.Stat(filepath.Join(dir, "ipc_secret"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Perm() != 0o600 {
		t.Errorf("ipc_secret perm = %o, want 0600", info.Perm())
	}
}

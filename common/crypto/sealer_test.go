package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdobrica/Kizuna/common/crypto"
)

func makeSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpen_Roundtrip(t *testing.T) {
	s := makeSealer(t)
	plaintext := []byte(`{"session":{"id":"s1"}}`)

	sealed, err := s.Seal(plaintext, []byte("s1.json"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed data contains the plaintext")
	}

	got, err := s.Open(sealed, []byte("s1.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	s := makeSealer(t)
	a, _ := s.Seal([]byte("same"), nil)
	b, _ := s.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext must differ")
	}
}

func TestOpen_Rejects(t *testing.T) {
	s := makeSealer(t)
	sealed, err := s.Seal([]byte("memory"), []byte("s1.json"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := s.Open(sealed, []byte("s2.json")); err == nil {
		t.Error("Open with a different aad should fail")
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := s.Open(tampered, []byte("s1.json")); err == nil {
		t.Error("Open of tampered data should fail")
	}

	if _, err := s.Open(sealed[:5], nil); err != crypto.ErrTooShort {
		t.Errorf("Open short data: err = %v, want ErrTooShort", err)
	}
}

func TestNewSealer_KeySize(t *testing.T) {
	if _, err := crypto.NewSealer(make([]byte, 16)); err != crypto.ErrInvalidKeySize {
		t.Errorf("err = %v, want ErrInvalidKeySize", err)
	}
}

func TestParseKey(t *testing.T) {
	valid := strings.Repeat("ab", crypto.KeySize)
	key, err := crypto.ParseKey("  " + valid + "\n")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("len = %d, want %d", len(key), crypto.KeySize)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := crypto.ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}

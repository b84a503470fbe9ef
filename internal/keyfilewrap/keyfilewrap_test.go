package keyfilewrap

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	passwd := []byte("correct horse battery staple")
	plaintext := bytes.Repeat([]byte("keyfile-bytes"), 50)

	wrapped, err := Wrap(passwd, plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if !IsWrapped(wrapped) {
		t.Fatal("Wrap output must begin with the wrapper magic")
	}

	got, err := Unwrap(passwd, wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Unwrap did not recover the original plaintext")
	}
}

func TestUnwrapWithWrongPassphraseProducesGarbage(t *testing.T) {
	plaintext := []byte("keyfile payload")
	wrapped, err := Wrap([]byte("right password"), plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	got, err := Unwrap([]byte("wrong password"), wrapped)
	if err != nil {
		t.Fatalf("Unwrap with wrong passphrase should not itself error: %v", err)
	}
	if bytes.Equal(got, plaintext) {
		t.Fatal("wrong passphrase must not recover the original plaintext")
	}
}

func TestIsWrappedRejectsPlainKeyfile(t *testing.T) {
	plain := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 4}
	if IsWrapped(plain) {
		t.Fatal("a plain keyfile buffer must not be reported as wrapped")
	}
}

func TestUnwrapRejectsMissingMagic(t *testing.T) {
	if _, err := Unwrap([]byte("pw"), []byte("not a wrapped keyfile")); err == nil {
		t.Fatal("Unwrap must reject a buffer without the wrapper magic")
	}
}

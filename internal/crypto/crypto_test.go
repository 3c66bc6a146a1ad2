package crypto

import (
	"bytes"
	"crypto/subtle"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestKeyAgreement_BothSidesDeriveSameKeys(t *testing.T) {
	t.Parallel()

	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, _ := GenerateKeyPair()

	sa, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	sb, _ := b.SharedSecret(a.Public)
	if subtle.ConstantTimeCompare(sa, sb) != 1 {
		t.Fatalf("shared secrets differ")
	}

	cn, _ := Rand(NonceLen)
	sn, _ := Rand(NonceLen)
	ka, err := DeriveSessionKeys(sa, cn, sn, "s1")
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	kb, _ := DeriveSessionKeys(sb, cn, sn, "s1")
	if !bytes.Equal(ka.InitiatorEnc, kb.InitiatorEnc) || !bytes.Equal(ka.ResponderMAC, kb.ResponderMAC) {
		t.Fatalf("derived keys differ")
	}
	if bytes.Equal(ka.InitiatorEnc, ka.ResponderEnc) {
		t.Fatalf("directional keys must differ")
	}

	other, _ := DeriveSessionKeys(sa, cn, sn, "s2")
	if bytes.Equal(ka.InitiatorEnc, other.InitiatorEnc) {
		t.Fatalf("keys must depend on session id")
	}

	if _, err := a.SharedSecret([]byte("short")); err == nil {
		t.Fatalf("expected error on bad peer key")
	}
}

func TestSealOpen(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	pt := []byte(`{"to":"0x1111111111111111111111111111111111111111"}`)
	aad := []byte("s1|1")

	blob, err := Seal(key, pt, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	out, err := Open(key, blob, aad)
	if err != nil || !bytes.Equal(out, pt) {
		t.Fatalf("Open: %q err=%v", out, err)
	}

	if _, err := Open(key, blob, []byte("s1|2")); err == nil {
		t.Fatalf("Open must fail with different AAD")
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := Open(key, blob, aad); err == nil {
		t.Fatalf("Open must fail on tampered blob")
	}
	if _, err := Open(key, []byte("x"), aad); err == nil {
		t.Fatalf("Open must fail on short blob")
	}
}

func TestMAC(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	m := MAC(key, []byte("s1"), []byte("1"), []byte("ct"))
	if len(m) != MACLen {
		t.Fatalf("len=%d", len(m))
	}
	if !VerifyMAC(key, m, []byte("s1"), []byte("1"), []byte("ct")) {
		t.Fatalf("VerifyMAC rejected valid mac")
	}
	// length prefixing keeps part boundaries significant
	if VerifyMAC(key, m, []byte("s11"), []byte(""), []byte("ct")) {
		t.Fatalf("VerifyMAC accepted shifted parts")
	}
}

func TestWipe(t *testing.T) {
	t.Parallel()
	ks, _ := DeriveSessionKeys([]byte("secret"), []byte("a"), []byte("b"), "s")
	ks.Wipe()
	for _, k := range [][]byte{ks.InitiatorEnc, ks.InitiatorMAC, ks.ResponderEnc, ks.ResponderMAC, ks.Confirm} {
		if !bytes.Equal(k, make([]byte, KeyLen)) {
			t.Fatalf("key not zeroed")
		}
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	t.Parallel()
	key, _ := Rand(32)

	wrapped, err := WrapKey([]byte("pw"), key)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	out, err := UnwrapKey([]byte("pw"), wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if subtle.ConstantTimeCompare(out, key) != 1 {
		t.Fatalf("unwrapped key mismatch")
	}
	if _, err := UnwrapKey([]byte("wrong"), wrapped); err == nil {
		t.Fatalf("UnwrapKey must fail with wrong passphrase")
	}
	if _, err := UnwrapKey([]byte("pw"), "abcd"); err == nil {
		t.Fatalf("UnwrapKey must fail on short input")
	}
}

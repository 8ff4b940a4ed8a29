package apikey

import (
	"strings"
	"testing"
)

func TestGenerateRoundTrip(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(k.Full(), Prefix) {
		t.Fatalf("key missing prefix: %s", k.Full())
	}

	keyID, secret, err := Parse(k.Full())
	if err != nil {
		t.Fatal(err)
	}
	if keyID != k.ID || secret != k.Secret {
		t.Fatalf("parse mismatch: got (%s, %s)", keyID, secret)
	}

	if !Verify(k.Hash, secret) {
		t.Fatal("secret did not verify against its own hash")
	}
	if Verify(k.Hash, "wrong") {
		t.Fatal("wrong secret verified")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"cex_",
		"cex_onlyid",
		"cex__secret",
		"cex_id_",
		"notaprefix_id_secret",
	} {
		if _, _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) accepted malformed key", raw)
		}
	}
}

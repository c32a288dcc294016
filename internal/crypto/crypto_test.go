package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// Well-known test vector key; never use outside tests.
const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testPrivateKey, "correct horse battery staple")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	got, err := DecryptKey(blob, "correct horse battery staple")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != testPrivateKey {
		t.Errorf("round trip mismatch: got %s", got)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testPrivateKey, "right")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		password string
	}{
		{"empty password", testPrivateKey, ""},
		{"non-hex key", "zzzz", "pw"},
		{"short key", "abcd", "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncryptKey(tt.key, tt.password); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testPrivateKey})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if got != testPrivateKey {
		t.Errorf("got %s, want stripped raw key", got)
	}
}

func TestHMACVerify(t *testing.T) {
	auth := &HMACAuth{Secret: "topsecret"}
	now := time.Unix(1_700_000_000, 0)

	headers := auth.HeadersAt("POST", "/api/signals", `{"risk":10}`, now.Unix())

	err := auth.VerifyAt("POST", "/api/signals", `{"risk":10}`,
		headers[HeaderTimestamp], headers[HeaderSignature], now)
	if err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	// Tampered body must fail.
	err = auth.VerifyAt("POST", "/api/signals", `{"risk":99}`,
		headers[HeaderTimestamp], headers[HeaderSignature], now)
	if err == nil {
		t.Error("tampered body accepted")
	}

	// Stale timestamp must fail.
	err = auth.VerifyAt("POST", "/api/signals", `{"risk":10}`,
		headers[HeaderTimestamp], headers[HeaderSignature], now.Add(10*time.Minute))
	if err == nil {
		t.Error("stale timestamp accepted")
	}
}

func TestHMACStringRedacts(t *testing.T) {
	auth := &HMACAuth{Secret: "supersecretvalue"}
	s := auth.String()
	if strings.Contains(s, "secretvalue") {
		t.Errorf("String leaked secret: %s", s)
	}
}

func TestSignalSignRecover(t *testing.T) {
	signer, err := NewSignalSigner(testPrivateKey)
	if err != nil {
		t.Fatalf("NewSignalSigner: %v", err)
	}

	signal := domain.AgentSignal{
		CurrentPrice:     1_234_500,
		Volatility:       850_000,
		RecommendedLower: -120,
		RecommendedUpper: 120,
		RiskLevel:        42,
		IdentityRef:      common.HexToHash("0xabc123"),
		Timestamp:        time.Unix(1_700_000_000, 0),
	}

	sigHex, err := signer.Sign(signal)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	recovered, err := RecoverSigner(signal, sigHex)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// A mutated signal must recover a different address (or fail).
	mutated := signal
	mutated.RiskLevel = 43
	other, err := RecoverSigner(mutated, sigHex)
	if err == nil && other == signer.Address() {
		t.Error("mutated signal recovered the original signer")
	}
}

func TestSignalDigestDistinguishesFields(t *testing.T) {
	base := domain.AgentSignal{
		CurrentPrice:     1_000_000,
		RecommendedLower: -60,
		RecommendedUpper: 60,
		RiskLevel:        10,
		Timestamp:        time.Unix(1_700_000_000, 0),
	}

	variants := []domain.AgentSignal{base, base, base, base}
	variants[1].RecommendedLower = -120
	variants[2].RiskLevel = 11
	variants[3].Timestamp = base.Timestamp.Add(time.Second)

	seen := map[common.Hash]int{}
	for i, v := range variants {
		seen[SignalDigest(v)] = i
	}
	if len(seen) != len(variants) {
		t.Errorf("expected %d distinct digests, got %d", len(variants), len(seen))
	}
}

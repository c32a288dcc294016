package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// signalDomainPrefix namespaces signal digests so a signature over a signal
// can never be replayed as a signature over some other message type.
const signalDomainPrefix = "rangekeeper.signal.v1"

// SignalSigner signs and recovers agent signals using secp256k1. The agent
// process signs each signal with its private key; the server recovers the
// signer address and checks it against the configured agent address.
type SignalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignalSigner creates a SignalSigner from a hex-encoded secp256k1
// private key (with or without 0x prefix).
func NewSignalSigner(privateKeyHex string) (*SignalSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &SignalSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *SignalSigner) Address() common.Address {
	return s.address
}

// Sign produces a hex-encoded 65-byte signature (r || s || v) over the
// signal digest.
func (s *SignalSigner) Sign(signal domain.AgentSignal) (string, error) {
	digest := SignalDigest(signal)

	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wire format carries v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner recovers the address that produced the given signature over
// the signal digest.
func RecoverSigner(signal domain.AgentSignal, sigHex string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: expected 65-byte signature, got %d bytes", len(raw))
	}

	// Normalise v back to {0,1} for recovery.
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := SignalDigest(signal)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recovering signer: %w", err)
	}

	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignalDigest computes the keccak256 digest of a signal's canonical
// encoding. The timestamp is included so each submission has a distinct
// digest even when the payload repeats.
func SignalDigest(signal domain.AgentSignal) common.Hash {
	buf := make([]byte, 0, len(signalDomainPrefix)+8*4+1+32+8)
	buf = append(buf, signalDomainPrefix...)
	buf = appendInt64(buf, signal.CurrentPrice)
	buf = appendInt64(buf, signal.Volatility)
	buf = appendInt64(buf, int64(signal.RecommendedLower))
	buf = appendInt64(buf, int64(signal.RecommendedUpper))
	buf = append(buf, signal.RiskLevel)
	buf = append(buf, signal.IdentityRef.Bytes()...)
	buf = appendInt64(buf, signal.Timestamp.Unix())

	return ethcrypto.Keccak256Hash(buf)
}

// appendInt64 appends the big-endian two's-complement encoding of n.
func appendInt64(buf []byte, n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return append(buf, b[:]...)
}

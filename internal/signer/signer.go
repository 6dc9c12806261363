// Package signer provides the caller identity presented to challenge
// operations: an Ethereum key that signs requests, and the verification
// that turns a signed HTTP request back into an address.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match signer address")
	ErrInvalidKey       = errors.New("invalid private key")
)

// Identity is a verified signer address. It satisfies challenges.Signer.
type Identity string

// Address returns the lower-cased hex address.
func (i Identity) Address() string {
	return strings.ToLower(string(i))
}

// KeySigner holds a private key and signs messages with it.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner loads a signer from a hex-encoded private key.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's lower-cased hex address.
func (s *KeySigner) Address() string {
	return strings.ToLower(s.address.Hex())
}

// SignMessage returns a 0x-prefixed 65-byte EIP-191 signature with v in
// {27, 28}.
func (s *KeySigner) SignMessage(message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest signs the canonical request message for method, path,
// timestamp and body.
func (s *KeySigner) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	return s.SignMessage(RequestMessage(method, path, timestamp, body))
}

// MessageFormat documents the layout RequestMessage produces.
const MessageFormat = "fitpool|{METHOD}|{path}|{unix seconds}|{keccak256(body) hex}"

// RequestMessage builds the message a client signs for an API call. The
// body digest binds the signature to the payload.
func RequestMessage(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("fitpool|%s|%s|%d|%s", strings.ToUpper(method), path, timestamp, BodyDigest(body))
}

// BodyDigest returns the hex keccak256 of body. An empty body hashes like
// any other byte string.
func BodyDigest(body []byte) string {
	return hex.EncodeToString(crypto.Keccak256(body))
}

// HashMessage creates an Ethereum signed message hash
// (EIP-191 "\x19Ethereum Signed Message:\n{len}" prefix).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// DecodeSignature parses a hex 65-byte signature (r[32] + s[32] + v[1]),
// with or without the 0x prefix and with v in {0, 1} or {27, 28}. The
// result always has v in {0, 1}. High-s signatures are rejected so each
// (message, key) pair has one accepted encoding.
func DecodeSignature(signatureHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	// Ecrecover wants v in {0, 1}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, sv, true) {
		return nil, fmt.Errorf("%w: non-canonical signature values", ErrInvalidSignature)
	}
	return sig, nil
}

// RecoverAddress recovers the lower-cased signer address from a message and
// a hex-encoded signature accepted by DecodeSignature.
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := DecodeSignature(signatureHex)
	if err != nil {
		return "", err
	}
	return recoverSigner(message, sig)
}

// recoverSigner expects sig as returned by DecodeSignature.
func recoverSigner(message string, sig []byte) (string, error) {
	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify checks that signatureHex over message was produced by expected.
func Verify(message, signatureHex, expected string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrSignerMismatch, strings.ToLower(expected), recovered)
	}
	return nil
}

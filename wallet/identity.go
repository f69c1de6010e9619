package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	addressHRP = "addr"
	// Enterprise address (payment key hash, no stake part) on mainnet.
	enterpriseHeader byte = 0x61
	keyHashSize           = 28

	// TermsMessage is signed by every wallet when it registers.
	TermsMessage = "I agree to abide by the terms and conditions as described in version 1-0 of the " +
		"Defensio DFO mining process: 2da58cd94d6ccf3d933c4a55ebc720ba03b829b84033b4844aafc36828477cc0"
)

var ErrInvalidAddress = errors.New("invalid address")

// ConsolidationMessage is the statement a wallet signs to hand its
// accumulated rights to destination.
func ConsolidationMessage(destination string) string {
	return "Assign accumulated Scavenger rights to: " + destination
}

type Identity struct {
	Address    string
	PublicKey  ed25519.PublicKey
	SigningKey ed25519.PrivateKey
}

func GenerateIdentity(rand io.Reader) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed restores an identity from its 32 byte signing key seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	address, err := EncodeAddress(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{Address: address, PublicKey: pub, SigningKey: key}, nil
}

func (id *Identity) Seed() []byte {
	return id.SigningKey.Seed()
}

func addressBytes(pub ed25519.PublicKey) ([]byte, error) {
	h, err := blake2b.New(keyHashSize, nil)
	if err != nil {
		return nil, err
	}
	h.Write(pub)
	return append([]byte{enterpriseHeader}, h.Sum(nil)...), nil
}

// EncodeAddress returns the bech32 enterprise address of pub.
func EncodeAddress(pub ed25519.PublicKey) (string, error) {
	raw, err := addressBytes(pub)
	if err != nil {
		return "", err
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(addressHRP, conv)
}

// DecodeAddress validates a bech32 address and returns its raw bytes.
func DecodeAddress(address string) ([]byte, error) {
	hrp, data, err := bech32.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	if hrp != addressHRP {
		return nil, fmt.Errorf("%w %q: unexpected prefix %q", ErrInvalidAddress, address, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	if len(raw) < 1+keyHashSize {
		return nil, fmt.Errorf("%w %q: too short", ErrInvalidAddress, address)
	}
	return raw, nil
}

type protectedHeader struct {
	Alg     int    `cbor:"1,keyasint"`
	Address []byte `cbor:"address"`
}

type unprotectedHeader struct {
	Hashed bool `cbor:"hashed"`
}

type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

// Sign1 is a COSE_Sign1 message.
type Sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected unprotectedHeader
	Payload     []byte
	Signature   []byte
}

const algEdDSA = -8

// Sign wraps message in a COSE_Sign1 envelope signed by the identity and
// returns its hex encoding.
func (id *Identity) Sign(message string) (string, error) {
	addr, err := addressBytes(id.PublicKey)
	if err != nil {
		return "", err
	}
	protected, err := cbor.Marshal(protectedHeader{Alg: algEdDSA, Address: addr})
	if err != nil {
		return "", fmt.Errorf("encoding protected header: %w", err)
	}
	payload := []byte(message)
	toSign, err := cbor.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
	if err != nil {
		return "", fmt.Errorf("encoding signature structure: %w", err)
	}
	envelope, err := cbor.Marshal(Sign1{
		Protected:   protected,
		Unprotected: unprotectedHeader{Hashed: false},
		Payload:     payload,
		Signature:   ed25519.Sign(id.SigningKey, toSign),
	})
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return hex.EncodeToString(envelope), nil
}

// Verify checks a hex encoded COSE_Sign1 envelope against pub and returns
// the signed payload.
func Verify(pub ed25519.PublicKey, signature string) ([]byte, error) {
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	var msg Sign1
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	toSign, err := cbor.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   msg.Protected,
		ExternalAAD: []byte{},
		Payload:     msg.Payload,
	})
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, toSign, msg.Signature) {
		return nil, errors.New("signature mismatch")
	}
	return msg.Payload, nil
}

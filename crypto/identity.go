package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const identitySeparator = "_"

// ErrMalformedIdentity is returned when a serialized identity cannot be parsed
var ErrMalformedIdentity = errors.New("malformed identity")

// Identity is the private pair held by a user; only its commitment is ever published
type Identity struct {
	Nullifier Element `json:"nullifier"`
	Trapdoor  Element `json:"trapdoor"`
}

// NewIdentity samples a fresh identity
func NewIdentity() (*Identity, error) {
	nullifier, err := RandomElement()
	if err != nil {
		return nil, err
	}

	trapdoor, err := RandomElement()
	if err != nil {
		return nil, err
	}

	return &Identity{
		Nullifier: nullifier,
		Trapdoor:  trapdoor,
	}, nil
}

// Commitment returns the identity commitment, H(nullifier, trapdoor)
func (i *Identity) Commitment() Element {
	return HashLeftRight(i.Nullifier, i.Trapdoor)
}

// Serialize encodes the identity as "<nullifier hex>_<trapdoor hex>"
func (i *Identity) Serialize() string {
	return i.Nullifier.Hex() + identitySeparator + i.Trapdoor.Hex()
}

// UnserializeIdentity parses an identity produced by Serialize
func UnserializeIdentity(raw string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(raw), identitySeparator)
	if len(parts) != 2 {
		return nil, ErrMalformedIdentity
	}

	nullifier, err := ParseElement(ensureHexPrefix(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("%w; invalid nullifier; %s", ErrMalformedIdentity, err.Error())
	}

	trapdoor, err := ParseElement(ensureHexPrefix(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("%w; invalid trapdoor; %s", ErrMalformedIdentity, err.Error())
	}

	return &Identity{
		Nullifier: nullifier,
		Trapdoor:  trapdoor,
	}, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}

// GenEpochKey derives the epoch key for the given nonce, truncated to the epoch tree's index space
func GenEpochKey(idNullifier Element, epoch uint64, nonce uint64, epochTreeDepth int) Element {
	digest := Hash5(
		idNullifier,
		ElementFromUint64(epoch),
		ElementFromUint64(nonce),
		Zero,
		Zero,
	)

	mask := new(big.Int).Lsh(big.NewInt(1), uint(epochTreeDepth))
	return ReduceElement(new(big.Int).Mod(digest.BigInt(), mask))
}

// GenEpochKeyNullifier derives the nullifier spent when the user transitions out of
// the epoch with the given epoch key nonce
func GenEpochKeyNullifier(idNullifier Element, epoch uint64, nonce uint64) Element {
	return Hash5(
		ElementFromUint64(1),
		idNullifier,
		ElementFromUint64(epoch),
		ElementFromUint64(nonce),
		Zero,
	)
}

// GenReputationNullifier derives the nullifier spent for one unit of reputation
// issued by attesterID
func GenReputationNullifier(idNullifier Element, epoch uint64, nonce uint64, attesterID uint64) Element {
	return Hash5(
		ElementFromUint64(2),
		idNullifier,
		ElementFromUint64(epoch),
		ElementFromUint64(nonce),
		ElementFromUint64(attesterID),
	)
}

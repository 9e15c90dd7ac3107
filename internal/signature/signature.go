package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const Length = 65

var ErrMismatch = errors.New("signature does not recover to expected signer")

// CreateFarmDigest binds a creation approval to the operator, the manager,
// the registry that will honour it and the chain it lives on.
func CreateFarmDigest(chainID *uint256.Int, registry, operator, manager common.Address) common.Hash {
	chain := chainWord(chainID)
	return crypto.Keccak256Hash(operator.Bytes(), manager.Bytes(), registry.Bytes(), chain[:])
}

// DivestDigest binds an operator's settlement of infoHash to one fund and
// asset.
func DivestDigest(chainID *uint256.Int, fund, asset common.Address, infoHash common.Hash) common.Hash {
	chain := chainWord(chainID)
	return crypto.Keccak256Hash(fund.Bytes(), asset.Bytes(), infoHash.Bytes(), chain[:])
}

func chainWord(chainID *uint256.Int) [32]byte {
	if chainID == nil {
		return [32]byte{}
	}
	return chainID.Bytes32()
}

// Recover returns the address that personal-signed digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != Length {
		return common.Address{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	normalized := make([]byte, Length)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("unexpected recovery id %d", sig[64])
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, errors.New("signature values out of range")
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig is expected's personal-message signature over
// digest.
func Verify(digest common.Hash, sig []byte, expected common.Address) error {
	signer, err := Recover(digest, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: got %s want %s", ErrMismatch, signer.Hex(), expected.Hex())
	}
	return nil
}

type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return FromKey(key), nil
}

func FromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest personal-signs digest and returns r || s || v with v in {27, 28}.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

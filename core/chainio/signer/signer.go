package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// KeyProvider owns the account owner's key. Signing happens locally and
// never blocks on the network.
type KeyProvider interface {
	Address() common.Address
	SignMessage(data []byte) ([]byte, error)
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	prefixedData := append(prefix, data...)
	hash := crypto.Keccak256Hash(prefixedData)
	sig, e := crypto.Sign(hash.Bytes(), key)
	if e != nil {
		return nil, e
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

// RecoverMessageSigner returns the address that produced an EIP191 signature
// over data.
func RecoverMessageSigner(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := append([]byte{}, sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	hash := crypto.Keccak256Hash(append([]byte(eip191Prefix+fmt.Sprint(len(data))), data...))
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PrivateKeyProvider signs with an in-memory ECDSA key.
type PrivateKeyProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeyProvider(key *ecdsa.PrivateKey) *PrivateKeyProvider {
	return &PrivateKeyProvider{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromPrivateKeyHex parses a hex key, with or without the 0x prefix.
func FromPrivateKeyHex(privateKeyHex string) (*PrivateKeyProvider, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyProvider(privateKey), nil
}

func (p *PrivateKeyProvider) Address() common.Address {
	return p.address
}

func (p *PrivateKeyProvider) SignMessage(data []byte) ([]byte, error) {
	return SignMessage(p.key, data)
}

// PrivateKeyHex exports the key, 0x prefixed.
func (p *PrivateKeyProvider) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(p.key))
}

type keyFile struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateKeyFile reads the local signer from path, generating and
// persisting a new key when the file does not exist. The file is stored
// unencrypted with 0600 permissions. created is true for a fresh key.
func LoadOrCreateKeyFile(path string) (provider *PrivateKeyProvider, created bool, err error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(raw, &kf); err != nil {
			return nil, false, fmt.Errorf("invalid key file %s: %w", path, err)
		}
		provider, err := FromPrivateKeyHex(kf.PrivateKey)
		if err != nil {
			return nil, false, fmt.Errorf("invalid key in %s: %w", path, err)
		}
		if kf.Address != "" && common.HexToAddress(kf.Address) != provider.Address() {
			return nil, false, fmt.Errorf("key file %s address %s does not match its key", path, kf.Address)
		}
		return provider, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	provider = NewPrivateKeyProvider(key)

	out, err := json.MarshalIndent(keyFile{
		Address:    provider.Address().Hex(),
		PrivateKey: provider.PrivateKeyHex(),
	}, "", "  ")
	if err != nil {
		return nil, false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, err
		}
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, false, fmt.Errorf("write key file: %w", err)
	}
	return provider, true, nil
}

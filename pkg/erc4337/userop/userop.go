// Package userop provides the EntryPoint v0.6 UserOperation model: hashing,
// wire encoding and the preVerificationGas calculation bundlers expect.
package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

var (
	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)
	bytesT, _  = abi.NewType("bytes", "", nil)

	// pack layout hashed into the operation hash; dynamic fields are hashed
	// and the signature is left out.
	signatureArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	hashArgs = abi.Arguments{
		{Name: "opHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}

	// full flat tuple, including the signature, as seen in handleOps calldata
	fullArgs = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "initCode", Type: bytesT},
		{Name: "callData", Type: bytesT},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "paymasterAndData", Type: bytesT},
		{Name: "signature", Type: bytesT},
	}
)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// PackForSignature returns the abi encoding hashed into the operation hash.
func (op *UserOperation) PackForSignature() []byte {
	packed, err := signatureArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// static layout with non-nil values, cannot fail
		panic(fmt.Errorf("pack user operation: %w", err))
	}
	return packed
}

// Pack returns the flat abi encoding of every field, signature included.
func (op *UserOperation) Pack() []byte {
	packed, err := fullArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		orEmpty(op.InitCode),
		orEmpty(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		orEmpty(op.PaymasterAndData),
		orEmpty(op.Signature),
	)
	if err != nil {
		panic(fmt.Errorf("pack user operation: %w", err))
	}
	return packed
}

// GetUserOpHash returns keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainID)).
// This is the value the account owner signs.
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := hashArgs.Pack(
		crypto.Keccak256Hash(op.PackForSignature()),
		entryPoint,
		orZero(chainID),
	)
	if err != nil {
		panic(fmt.Errorf("pack user operation hash: %w", err))
	}
	return crypto.Keccak256Hash(packed)
}

// GetFactory returns the factory address encoded in the init code, or the
// zero address when the account is already deployed.
func (op *UserOperation) GetFactory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// GetPaymaster returns the paymaster address, or the zero address when the
// operation is not sponsored.
func (op *UserOperation) GetPaymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// Copy returns a deep copy so sponsorship and gas estimation can work on a
// scratch operation.
func (op *UserOperation) Copy() *UserOperation {
	cp := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Set(v)
	}
	cb := func(b []byte) []byte {
		if b == nil {
			return nil
		}
		return append([]byte{}, b...)
	}
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cp(op.Nonce),
		InitCode:             cb(op.InitCode),
		CallData:             cb(op.CallData),
		CallGasLimit:         cp(op.CallGasLimit),
		VerificationGasLimit: cp(op.VerificationGasLimit),
		PreVerificationGas:   cp(op.PreVerificationGas),
		MaxFeePerGas:         cp(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cp(op.MaxPriorityFeePerGas),
		PaymasterAndData:     cb(op.PaymasterAndData),
		Signature:            cb(op.Signature),
	}
}

// wireUserOperation is the hex encoded form bundlers and paymasters speak.
type wireUserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// MarshalJSON encodes quantities and byte fields as 0x-prefixed hex.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(orZero(op.Nonce)),
		InitCode:             hexutil.Encode(orEmpty(op.InitCode)),
		CallData:             hexutil.Encode(orEmpty(op.CallData)),
		CallGasLimit:         hexutil.EncodeBig(orZero(op.CallGasLimit)),
		VerificationGasLimit: hexutil.EncodeBig(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   hexutil.EncodeBig(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         hexutil.EncodeBig(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: hexutil.EncodeBig(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     hexutil.Encode(orEmpty(op.PaymasterAndData)),
		Signature:            hexutil.Encode(orEmpty(op.Signature)),
	})
}

// UnmarshalJSON does the reverse of MarshalJSON.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var aux wireUserOperation
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if !common.IsHexAddress(aux.Sender) {
		return fmt.Errorf("invalid sender %q", aux.Sender)
	}
	op.Sender = common.HexToAddress(aux.Sender)

	quantities := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"nonce", aux.Nonce, &op.Nonce},
		{"callGasLimit", aux.CallGasLimit, &op.CallGasLimit},
		{"verificationGasLimit", aux.VerificationGasLimit, &op.VerificationGasLimit},
		{"preVerificationGas", aux.PreVerificationGas, &op.PreVerificationGas},
		{"maxFeePerGas", aux.MaxFeePerGas, &op.MaxFeePerGas},
		{"maxPriorityFeePerGas", aux.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas},
	}
	for _, q := range quantities {
		v, err := hexutil.DecodeBig(q.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", q.name, err)
		}
		*q.dst = v
	}

	blobs := []struct {
		name string
		raw  string
		dst  *[]byte
	}{
		{"initCode", aux.InitCode, &op.InitCode},
		{"callData", aux.CallData, &op.CallData},
		{"paymasterAndData", aux.PaymasterAndData, &op.PaymasterAndData},
		{"signature", aux.Signature, &op.Signature},
	}
	for _, b := range blobs {
		v, err := hexutil.Decode(b.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", b.name, err)
		}
		*b.dst = v
	}

	return nil
}

func (op *UserOperation) String() string {
	formatBigInt := func(b *big.Int) string {
		if b == nil {
			return "<nil>"
		}
		return fmt.Sprintf("0x%x (%s)", b, b.Text(10))
	}

	return fmt.Sprintf(
		"UserOperation{\n"+
			"  Sender: %s\n"+
			"  Nonce: %s\n"+
			"  InitCode: %s\n"+
			"  CallData: %s\n"+
			"  CallGasLimit: %s\n"+
			"  VerificationGasLimit: %s\n"+
			"  PreVerificationGas: %s\n"+
			"  MaxFeePerGas: %s\n"+
			"  MaxPriorityFeePerGas: %s\n"+
			"  PaymasterAndData: %s\n"+
			"  Signature: %s\n"+
			"}",
		op.Sender.Hex(),
		formatBigInt(op.Nonce),
		hexutil.Encode(orEmpty(op.InitCode)),
		hexutil.Encode(orEmpty(op.CallData)),
		formatBigInt(op.CallGasLimit),
		formatBigInt(op.VerificationGasLimit),
		formatBigInt(op.PreVerificationGas),
		formatBigInt(op.MaxFeePerGas),
		formatBigInt(op.MaxPriorityFeePerGas),
		hexutil.Encode(orEmpty(op.PaymasterAndData)),
		hexutil.Encode(orEmpty(op.Signature)),
	)
}

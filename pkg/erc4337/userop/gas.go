package userop

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GasOverheads are the bundler cost parameters used to price the calldata
// an operation adds to a handleOps bundle.
type GasOverheads struct {
	Fixed         int64
	PerUserOp     int64
	PerUserOpWord int64
	ZeroByte      int64
	NonZeroByte   int64
	BundleSize    int64
	SigSize       int
}

// DefaultGasOverheads matches the reference bundler.
var DefaultGasOverheads = GasOverheads{
	Fixed:         21000,
	PerUserOp:     18300,
	PerUserOpWord: 4,
	ZeroByte:      4,
	NonZeroByte:   16,
	BundleSize:    1,
	SigSize:       65,
}

// DefaultPreVerificationGas is used as the placeholder preVerificationGas
// while pricing an operation that does not carry one yet.
var DefaultPreVerificationGas = big.NewInt(21000)

var (
	// DummySignature stands in for the real signature while estimating and
	// sponsoring; it has the size of an ECDSA signature.
	DummySignature = bytes.Repeat([]byte{0x01}, 65)

	// DummyPaymasterAndData stands in for the paymaster's answer while the
	// paymaster itself prices the operation.
	DummyPaymasterAndData = hexutil.MustDecode("0x0101010101010101010101010101010101010101000000000000000000000000000000000000000000000000000001010101010100000000000000000000000000000000000000000000000000000000000000000101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101010101")
)

// CalcPreVerificationGas returns the calldata overhead the bundler charges
// for op using DefaultGasOverheads. A missing signature is replaced by a
// dummy of SigSize bytes so the result holds once the op is signed.
func CalcPreVerificationGas(op *UserOperation) *big.Int {
	return CalcPreVerificationGasWith(op, DefaultGasOverheads)
}

// CalcPreVerificationGasWith prices op with the given overheads.
//
// cost = round(calldataCost + fixed/bundleSize + perUserOp + perUserOpWord*words)
// where words is the packed length in 32 byte words (fractional).
func CalcPreVerificationGasWith(op *UserOperation, ov GasOverheads) *big.Int {
	p := op.Copy()
	if p.PreVerificationGas == nil {
		p.PreVerificationGas = new(big.Int).Set(DefaultPreVerificationGas)
	}
	if len(p.Signature) == 0 {
		p.Signature = bytes.Repeat([]byte{0x01}, ov.SigSize)
	}

	packed := p.Pack()

	var callDataCost int64
	for _, b := range packed {
		if b == 0 {
			callDataCost += ov.ZeroByte
		} else {
			callDataCost += ov.NonZeroByte
		}
	}

	// Keep everything in 1/(32*bundleSize) units so the fractional parts of
	// fixed/bundleSize and the word count survive until the final rounding.
	bundle := ov.BundleSize
	if bundle <= 0 {
		bundle = 1
	}
	den := big.NewInt(32 * bundle)
	num := big.NewInt((callDataCost + ov.PerUserOp) * 32 * bundle)
	num.Add(num, big.NewInt(ov.Fixed*32))
	num.Add(num, big.NewInt(ov.PerUserOpWord*int64(len(packed)+31)*bundle))

	// round half up
	num.Mul(num, big.NewInt(2))
	num.Add(num, den)
	return num.Div(num, new(big.Int).Mul(den, big.NewInt(2)))
}

// HasInitCode reports whether op deploys its sender.
func (op *UserOperation) HasInitCode() bool {
	return len(op.InitCode) >= common.AddressLength
}

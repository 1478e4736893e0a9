package bundler

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
)

type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	// older bundlers answer verificationGas instead of verificationGasLimit
	VerificationGas *big.Int
}

type gasEstimationJSON struct {
	PreVerificationGas   json.RawMessage `json:"preVerificationGas"`
	VerificationGasLimit json.RawMessage `json:"verificationGasLimit"`
	VerificationGas      json.RawMessage `json:"verificationGas"`
	CallGasLimit         json.RawMessage `json:"callGasLimit"`
}

// UnmarshalJSON accepts hex quantities, decimal strings and plain numbers,
// all of which are seen in the wild.
func (g *GasEstimation) UnmarshalJSON(data []byte) error {
	var raw gasEstimationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if g.PreVerificationGas, err = parseQuantity(raw.PreVerificationGas); err != nil {
		return fmt.Errorf("invalid preVerificationGas: %w", err)
	}
	if g.CallGasLimit, err = parseQuantity(raw.CallGasLimit); err != nil {
		return fmt.Errorf("invalid callGasLimit: %w", err)
	}
	if g.VerificationGas, err = parseQuantity(raw.VerificationGas); err != nil {
		return fmt.Errorf("invalid verificationGas: %w", err)
	}
	if g.VerificationGasLimit, err = parseQuantity(raw.VerificationGasLimit); err != nil {
		return fmt.Errorf("invalid verificationGasLimit: %w", err)
	}
	if g.VerificationGasLimit == nil {
		g.VerificationGasLimit = g.VerificationGas
	}

	if g.PreVerificationGas == nil || g.CallGasLimit == nil || g.VerificationGasLimit == nil {
		return errors.New("incomplete gas estimation")
	}
	return nil
}

// parseQuantity returns nil for an absent or null value.
func parseQuantity(raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	s = strings.Trim(s, `"`)

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(strings.ToLower(s))
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a quantity: %q", s)
	}
	return v, nil
}

package byte4

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// GetMethodFromCalldata returns the ABI method for a given 4-byte selector or full calldata
func GetMethodFromCalldata(parsedABI abi.ABI, selector []byte) (*abi.Method, error) {
	if len(selector) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(selector))
	}

	// Function calls in the EVM are specified by the first four bytes of data sent with a
	// transaction: the first four bytes of the Keccak hash of the canonical method signature.
	methodID := selector[:4]

	for _, method := range parsedABI.Methods {
		if bytes.Equal(method.ID, methodID) {
			m := method
			return &m, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", methodID)
}

// DecodeCalldata resolves the method called by calldata and unpacks its arguments.
func DecodeCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, []interface{}, error) {
	method, err := GetMethodFromCalldata(parsedABI, calldata)
	if err != nil {
		return nil, nil, err
	}

	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s arguments: %w", method.Name, err)
	}

	return method, args, nil
}

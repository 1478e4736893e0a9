package aa

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	clonePrefix = common.FromHex("0x3d602d80600a3d3981f3363d3d373d3d3d363d73")
	cloneSuffix = common.FromHex("0x5af43d82803e903d91602b57fd5bf3")
)

// CloneCreationCode returns the EIP-1167 minimal proxy creation code that
// delegates to implementation.
func CloneCreationCode(implementation common.Address) []byte {
	var code []byte
	code = append(code, clonePrefix...)
	code = append(code, implementation.Bytes()...)
	code = append(code, cloneSuffix...)
	return code
}

// Create2Address computes keccak256(0xff || deployer || salt || keccak256(initCode))[12:]
func Create2Address(deployer common.Address, salt [32]byte, initCode []byte) common.Address {
	return crypto.CreateAddress2(deployer, salt, crypto.Keccak256(initCode))
}

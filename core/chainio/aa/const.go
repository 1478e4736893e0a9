package aa

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// EntryPoint v0.6
	DefaultEntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	// SignerRole is granted to co-signers of a dynamic account.
	SignerRole = crypto.Keccak256Hash([]byte("SIGNER_ROLE"))

	// UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)
	UserOperationEventTopic = EntryPointABI.Events["UserOperationEvent"].ID
)

// Variant selects the account contract family.
type Variant string

const (
	VariantSimple  Variant = "simple"
	VariantDynamic Variant = "dynamic"
)

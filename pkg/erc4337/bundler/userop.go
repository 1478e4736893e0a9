package bundler

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

// UserOperationByHash is the eth_getUserOperationByHash answer. The block
// fields stay empty while the operation is only in the mempool.
type UserOperationByHash struct {
	UserOperation   *userop.UserOperation `json:"userOperation"`
	EntryPoint      common.Address        `json:"entryPoint"`
	BlockNumber     *hexutil.Big          `json:"blockNumber"`
	BlockHash       *common.Hash          `json:"blockHash"`
	TransactionHash *common.Hash          `json:"transactionHash"`
}

func (u *UserOperationByHash) Included() bool {
	return u != nil && u.TransactionHash != nil && *u.TransactionHash != (common.Hash{})
}

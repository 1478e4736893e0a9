package schema

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout of the operation journal
// op:<hash>                       -> operation record
// sender:<address>:<nonce>:<hash> -> hash, ordered by nonce
// state:<state>:<hash>            -> hash
const (
	operationPrefix = "op:"
	senderPrefix    = "sender:"
	statePrefix     = "state:"

	// enough digits for any uint256
	nonceWidth = 78
)

func OperationKey(hash common.Hash) []byte {
	return []byte(operationPrefix + strings.ToLower(hash.Hex()))
}

func SenderPrefix(sender common.Address) []byte {
	return []byte(senderPrefix + strings.ToLower(sender.Hex()) + ":")
}

// SenderNonceKey pads the nonce so lexical order follows numeric order.
func SenderNonceKey(sender common.Address, nonce *big.Int, hash common.Hash) []byte {
	n := nonce
	if n == nil {
		n = new(big.Int)
	}
	digits := n.Text(10)
	if len(digits) < nonceWidth {
		digits = strings.Repeat("0", nonceWidth-len(digits)) + digits
	}
	return []byte(fmt.Sprintf("%s%s:%s", SenderPrefix(sender), digits, strings.ToLower(hash.Hex())))
}

func StatePrefix(state string) []byte {
	return []byte(statePrefix + state + ":")
}

func StateKey(state string, hash common.Hash) []byte {
	return []byte(string(StatePrefix(state)) + strings.ToLower(hash.Hex()))
}

package bundler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
)

// AA10 is the EntryPoint code for an initCode whose sender already exists.
const saltReusedCode = "AA10"

// classify maps a JSON-RPC failure onto the erc4337 taxonomy. Only answers
// from the bundler count as rejections; transport errors are returned as is
// since the operation may have reached the mempool.
func classify(method string, err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", method, err)
	}

	msg := rpcErr.Error()
	if strings.Contains(msg, saltReusedCode) || strings.Contains(msg, "already constructed") {
		return fmt.Errorf("%s: %w: %w: %s", method, erc4337.ErrSubmissionRejected, erc4337.ErrSaltReused, msg)
	}
	return fmt.Errorf("%s: %w: code %d: %s", method, erc4337.ErrSubmissionRejected, rpcErr.ErrorCode(), msg)
}

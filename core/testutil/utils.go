package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
	"github.com/AvaProtocol/smartwallet/storage"
)

const (
	// well known development key, never funded on a real network
	TestOwnerPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TestPersonalKey     = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	TestEntryPoint     = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	TestFactory        = common.HexToAddress("0x88d9A32D459BBc7B77fc912d9048926dEd78986B")
	TestImplementation = common.HexToAddress("0xB99BC2E399e06CddCF5E725c0ea341E8f0322834")
)

// Shortcut to initialize a storage at a temp path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "swtest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.DefaultConfig(10 * time.Minute)
	config.Shards = 16
	config.MaxEntriesInWindow = 1000
	config.Verbose = false

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("error get default cache for test"))
	}
	return cache
}

func TestOwner() *signer.PrivateKeyProvider {
	p, err := signer.FromPrivateKeyHex(TestOwnerPrivateKey)
	if err != nil {
		panic(err)
	}
	return p
}

func TestPersonal() *signer.PrivateKeyProvider {
	p, err := signer.FromPrivateKeyHex(TestPersonalKey)
	if err != nil {
		panic(err)
	}
	return p
}

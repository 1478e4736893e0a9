package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
)

const (
	DefaultKeyFile = "wallet.json"
	DefaultDbPath  = "./data/journal"
)

// ReceiptSource selects where inclusion is looked up.
type ReceiptSource string

const (
	// ReceiptFromBundler polls eth_getUserOperationReceipt and falls back to
	// EntryPoint logs when the bundler has nothing yet.
	ReceiptFromBundler ReceiptSource = "bundler"
	// ReceiptFromLogs only reads UserOperationEvent logs of the EntryPoint.
	ReceiptFromLogs ReceiptSource = "logs"
)

// SmartWalletConfig is the resolved configuration: chain table applied,
// URLs defaulted and addresses parsed.
type SmartWalletConfig struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	Chain        ChainProfile
	EthRpcUrl    string
	BundlerUrl   string
	PaymasterUrl string
	// Gasless sponsors every operation through the paymaster.
	Gasless bool

	KeyFile        string
	Variant        aa.Variant
	Factory        common.Address
	Implementation common.Address
	EntryPoint     common.Address
	Salt           *big.Int
	// ProxyCreationCode lets a simple account derive its address offline.
	ProxyCreationCode []byte

	DbPath           string
	MetricsAddr      string
	WaitTimeout      time.Duration
	PaymasterTimeout time.Duration
	ReceiptSource    ReceiptSource
}

// These are read from configPath
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`

	ChainID      int64  `yaml:"chain_id" validate:"required,gt=0"`
	EthRpcUrl    string `yaml:"eth_rpc_url" validate:"required,url"`
	BundlerUrl   string `yaml:"bundler_url" validate:"omitempty,url"`
	PaymasterUrl string `yaml:"paymaster_url" validate:"omitempty,url"`
	ApiKey       string `yaml:"api_key"`
	Gasless      bool   `yaml:"gasless"`

	KeyFile           string `yaml:"key_file"`
	Account           string `yaml:"account" validate:"omitempty,oneof=simple dynamic"`
	Factory           string `yaml:"factory" validate:"omitempty,eth_addr"`
	Implementation    string `yaml:"implementation" validate:"omitempty,eth_addr"`
	EntryPoint        string `yaml:"entrypoint" validate:"omitempty,eth_addr"`
	Salt              uint64 `yaml:"salt"`
	ProxyCreationCode string `yaml:"proxy_creation_code" validate:"omitempty,hexadecimal"`

	DbPath           string        `yaml:"db_path"`
	MetricsAddr      string        `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	WaitTimeout      time.Duration `yaml:"wait_timeout" validate:"gte=0"`
	PaymasterTimeout time.Duration `yaml:"paymaster_timeout" validate:"gte=0"`
	ReceiptSource    string        `yaml:"receipt_source" validate:"omitempty,oneof=bundler logs"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewConfig reads configPath and builds the logger for its environment.
func NewConfig(configPath string) (*SmartWalletConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	raw, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	c, err := raw.Resolve()
	if err != nil {
		return nil, err
	}

	c.Logger, err = sdklogging.NewZapLogger(c.Environment)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes and validates a YAML config. Unknown keys are an error.
func Parse(data []byte) (*ConfigRaw, error) {
	var raw ConfigRaw
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, err
	}
	if err := validate.Struct(&raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// Resolve applies the chain table and defaults.
func (raw *ConfigRaw) Resolve() (*SmartWalletConfig, error) {
	profile, err := Chain(raw.ChainID)
	if err != nil {
		return nil, err
	}

	c := &SmartWalletConfig{
		Environment:      raw.Environment,
		Chain:            profile,
		EthRpcUrl:        raw.EthRpcUrl,
		BundlerUrl:       raw.BundlerUrl,
		PaymasterUrl:     raw.PaymasterUrl,
		Gasless:          raw.Gasless,
		KeyFile:          raw.KeyFile,
		Variant:          profile.Variant,
		Factory:          profile.Factory,
		Implementation:   profile.Implementation,
		EntryPoint:       aa.DefaultEntrypointAddress,
		Salt:             new(big.Int).SetUint64(raw.Salt),
		DbPath:           raw.DbPath,
		MetricsAddr:      raw.MetricsAddr,
		WaitTimeout:      raw.WaitTimeout,
		PaymasterTimeout: raw.PaymasterTimeout,
		ReceiptSource:    ReceiptSource(raw.ReceiptSource),
	}
	if c.Environment == "" {
		c.Environment = sdklogging.Development
	}
	if c.KeyFile == "" {
		c.KeyFile = DefaultKeyFile
	}
	if c.DbPath == "" {
		c.DbPath = DefaultDbPath
	}
	if c.ReceiptSource == "" {
		c.ReceiptSource = ReceiptFromBundler
	}

	if raw.Account != "" {
		c.Variant = aa.Variant(raw.Account)
		if c.Variant == aa.VariantSimple && raw.Factory == "" {
			c.Factory = profile.SimpleFactory
		}
	}
	if raw.Factory != "" {
		c.Factory = common.HexToAddress(raw.Factory)
	}
	if raw.Implementation != "" {
		c.Implementation = common.HexToAddress(raw.Implementation)
	}
	if raw.EntryPoint != "" {
		c.EntryPoint = common.HexToAddress(raw.EntryPoint)
	}
	if raw.ProxyCreationCode != "" {
		c.ProxyCreationCode = common.FromHex(raw.ProxyCreationCode)
	}
	if c.Factory == (common.Address{}) {
		return nil, fmt.Errorf("no %s account factory known for %s, set factory", c.Variant, profile.Name)
	}

	if raw.ApiKey != "" {
		if c.BundlerUrl == "" {
			c.BundlerUrl = PimlicoURL(profile.Network, raw.ApiKey)
		}
		if c.PaymasterUrl == "" {
			c.PaymasterUrl = PimlicoURL(profile.Network, raw.ApiKey)
		}
	}
	if c.BundlerUrl == "" {
		return nil, errors.New("bundler_url or api_key is required")
	}
	if c.Gasless && c.PaymasterUrl == "" {
		return nil, errors.New("gasless needs paymaster_url or api_key")
	}
	return c, nil
}

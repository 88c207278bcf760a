// Package config holds the synchronizer settings. Values come from an optional
// TOML, YAML or JSON file and are then overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/valory-xyz/mechsync/pkg/mech"
	"github.com/valory-xyz/mechsync/pkg/utils"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Contract is a mech contract and the block it was deployed at.
type Contract struct {
	Address       string `toml:"address" yaml:"address" json:"address"`
	DeployedBlock uint64 `toml:"deployed_block" yaml:"deployed_block" json:"deployed_block"`
}

// RPCConfig configures the JSON-RPC transport.
type RPCConfig struct {
	Endpoints       []string `toml:"endpoints" yaml:"endpoints" json:"endpoints"`
	TimeoutSeconds  int      `toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	RPS             int      `toml:"rps" yaml:"rps" json:"rps"`
	Burst           int      `toml:"burst" yaml:"burst" json:"burst"`
	BreakerFailures int      `toml:"breaker_failures" yaml:"breaker_failures" json:"breaker_failures"`
}

// ScanConfig configures chunking near and far from the chain head.
type ScanConfig struct {
	ChunkSize               uint64 `toml:"chunk_size" yaml:"chunk_size" json:"chunk_size"`
	// ExcludedBlocksThreshold of 0 means twice ChunkSize.
	ExcludedBlocksThreshold uint64 `toml:"excluded_blocks_threshold" yaml:"excluded_blocks_threshold" json:"excluded_blocks_threshold"`
	SafetyMargin            uint64 `toml:"safety_margin" yaml:"safety_margin" json:"safety_margin"`
	HeadPauseSeconds        int    `toml:"head_pause_seconds" yaml:"head_pause_seconds" json:"head_pause_seconds"`
}

// IPFSConfig configures request content resolution.
type IPFSConfig struct {
	Gateway        string `toml:"gateway" yaml:"gateway" json:"gateway"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	Disabled       bool   `toml:"disabled" yaml:"disabled" json:"disabled"`
}

// RedisConfig enables event notifications when Host is set.
type RedisConfig struct {
	Host         string `toml:"host" yaml:"host" json:"host"`
	Port         string `toml:"port" yaml:"port" json:"port"`
	Password     string `toml:"password" yaml:"password" json:"password"`
	DB           int    `toml:"db" yaml:"db" json:"db"`
	StreamMaxLen int64  `toml:"stream_maxlen" yaml:"stream_maxlen" json:"stream_maxlen"`
}

// Config is the full synchronizer configuration.
type Config struct {
	Sender          string     `toml:"sender" yaml:"sender" json:"sender"`
	EventType       string     `toml:"event_type" yaml:"event_type" json:"event_type"`
	StorePath       string     `toml:"store_path" yaml:"store_path" json:"store_path"`
	ContractABIPath string     `toml:"contract_abi_path" yaml:"contract_abi_path" json:"contract_abi_path"`
	DefaultFee      uint64     `toml:"default_fee" yaml:"default_fee" json:"default_fee"`
	Contracts       []Contract `toml:"contracts" yaml:"contracts" json:"contracts"`

	RPC   RPCConfig   `toml:"rpc" yaml:"rpc" json:"rpc"`
	Scan  ScanConfig  `toml:"scan" yaml:"scan" json:"scan"`
	IPFS  IPFSConfig  `toml:"ipfs" yaml:"ipfs" json:"ipfs"`
	Redis RedisConfig `toml:"redis" yaml:"redis" json:"redis"`

	// Schedule is a cron expression with seconds. Empty runs a single sync.
	Schedule string `toml:"schedule" yaml:"schedule" json:"schedule"`
	// Addr is the HTTP listen address in scheduled mode.
	Addr string `toml:"addr" yaml:"addr" json:"addr"`
}

// DefaultContracts are the AgentMech deployments on Gnosis chain.
func DefaultContracts() []Contract {
	return []Contract{
		{Address: "0xff82123dfb52ab75c417195c5fdb87630145ae81", DeployedBlock: 27939217},
		{Address: "0x77af31de935740567cf4ff1986d04b2c964a786a", DeployedBlock: 30663133},
	}
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		EventType:  mech.RequestEvent,
		StorePath:  "mech_events.json",
		DefaultFee: mech.DefaultFee,
		Contracts:  DefaultContracts(),
		RPC: RPCConfig{
			TimeoutSeconds:  30,
			RPS:             20,
			Burst:           40,
			BreakerFailures: 3,
		},
		Scan: ScanConfig{
			ChunkSize:        5000,
			SafetyMargin:     10,
			HeadPauseSeconds: 10,
		},
		IPFS: IPFSConfig{
			Gateway:        mech.DefaultGateway,
			TimeoutSeconds: 10,
		},
		Redis: RedisConfig{
			Port:         "6379",
			StreamMaxLen: 10000,
		},
		Addr: ":3010",
	}
}

// ApplyEnvOverrides replaces file values with any set environment variable.
func (c *Config) ApplyEnvOverrides() {
	c.Sender = utils.Env("SENDER_ADDRESS", c.Sender)
	c.EventType = utils.Env("EVENT_TYPE", c.EventType)
	c.StorePath = utils.Env("STORE_PATH", c.StorePath)
	c.ContractABIPath = utils.Env("CONTRACT_ABI_PATH", c.ContractABIPath)
	c.DefaultFee = utils.EnvUint64("MECH_DEFAULT_FEE", c.DefaultFee)

	c.RPC.Endpoints = utils.EnvList("RPC_ENDPOINTS", c.RPC.Endpoints)
	c.RPC.TimeoutSeconds = utils.EnvInt("RPC_TIMEOUT_SECONDS", c.RPC.TimeoutSeconds)
	c.RPC.RPS = utils.EnvInt("RPC_RPS", c.RPC.RPS)
	c.RPC.Burst = utils.EnvInt("RPC_BURST", c.RPC.Burst)

	c.Scan.ChunkSize = utils.EnvUint64("CHUNK_SIZE", c.Scan.ChunkSize)
	c.Scan.ExcludedBlocksThreshold = utils.EnvUint64("EXCLUDED_BLOCKS_THRESHOLD", c.Scan.ExcludedBlocksThreshold)
	c.Scan.SafetyMargin = utils.EnvUint64("SAFETY_MARGIN", c.Scan.SafetyMargin)

	c.IPFS.Gateway = utils.Env("IPFS_GATEWAY", c.IPFS.Gateway)

	c.Redis.Host = utils.Env("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = utils.Env("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = utils.Env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.StreamMaxLen = utils.EnvInt64("REDIS_STREAM_MAXLEN", c.Redis.StreamMaxLen)

	c.Schedule = utils.Env("SYNC_CRON", c.Schedule)
	c.Addr = utils.Env("ADDR", c.Addr)
}

// Validate checks the config and normalizes addresses to their checksummed form.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one rpc endpoint is required", ErrInvalid)
	}
	if !common.IsHexAddress(c.Sender) {
		return fmt.Errorf("%w: sender %q is not an address", ErrInvalid, c.Sender)
	}
	c.Sender = common.HexToAddress(c.Sender).Hex()

	if _, err := mech.KindOf(c.EventType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.StorePath == "" {
		return fmt.Errorf("%w: store path is empty", ErrInvalid)
	}
	if len(c.Contracts) == 0 {
		return fmt.Errorf("%w: no contracts configured", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(c.Contracts))
	for i, ct := range c.Contracts {
		if !common.IsHexAddress(ct.Address) {
			return fmt.Errorf("%w: contract %d address %q", ErrInvalid, i, ct.Address)
		}
		addr := common.HexToAddress(ct.Address).Hex()
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: contract %s listed twice", ErrInvalid, addr)
		}
		seen[addr] = struct{}{}
		c.Contracts[i].Address = addr
	}
	if c.Scan.ChunkSize == 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalid)
	}
	if c.Schedule != "" {
		if _, err := cron.NewParser(CronFields).Parse(c.Schedule); err != nil {
			return fmt.Errorf("%w: schedule %q: %w", ErrInvalid, c.Schedule, err)
		}
	}
	return nil
}

// CronFields is the cron syntax accepted by Schedule: an optional seconds field
// followed by the standard five fields, or a descriptor such as @every 5m.
const CronFields = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// RPCTimeout returns the RPC timeout as a duration.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPC.TimeoutSeconds) * time.Second
}

// HeadPause returns the pause taken near the chain head.
func (c *Config) HeadPause() time.Duration {
	return time.Duration(c.Scan.HeadPauseSeconds) * time.Second
}

// IPFSTimeout returns the per-request content fetch timeout.
func (c *Config) IPFSTimeout() time.Duration {
	return time.Duration(c.IPFS.TimeoutSeconds) * time.Second
}

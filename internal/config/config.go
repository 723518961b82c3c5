package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL          string
	SignerKey       string
	ContractAddress string
	DeploymentBlock uint64
	AdminAddress    string
	DefaultVault    string
	NativeToken     string

	// VaultInitCodeHash is the keccak hash of the referral vault init code,
	// used for CREATE2 address prediction.
	VaultInitCodeHash string

	PGDSN       string
	NATSURL     string
	AccountsURL string
	PricingURL  string
	ListenAddr  string
	LogLevel    string

	MaxJobAttempts  int
	GroupRetryMax   int
	ScanBatchSize   uint64
	MaxRetries      int
	RetryBackoff    time.Duration
	ReconInterval   time.Duration
	StuckAge        time.Duration
	VaultTimeout    time.Duration
	JobLeaseTimeout time.Duration
	JobRetention    time.Duration
	ShutdownTimeout time.Duration
	DedupTTL        time.Duration

	USDPerPoint        float64
	NativeMinUSD       float64
	NativeFloorRate    float64
	ReferralRewardRate float64

	DepositRateDefault  float64
	DonationRateDefault float64
	DepositRates        map[string]float64
	DonationRates       map[string]float64
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROWD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("max-job-attempts", 5)
	v.SetDefault("group-retry-max", 3)
	v.SetDefault("scan-batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("recon-interval", 5*time.Minute)
	v.SetDefault("stuck-age", 5*time.Minute)
	v.SetDefault("vault-timeout", 30*time.Minute)
	v.SetDefault("job-lease-timeout", 5*time.Minute)
	v.SetDefault("job-retention", 24*time.Hour)
	v.SetDefault("shutdown-timeout", 30*time.Second)
	v.SetDefault("dedup-ttl", 2*time.Minute)
	v.SetDefault("usd-per-point", 0.000337)
	v.SetDefault("native-min-usd", 0.02)
	v.SetDefault("native-floor-rate", 0.5)
	v.SetDefault("referral-reward-rate", 0.05)
	v.SetDefault("deposit-rate-default", 0.7)
	v.SetDefault("donation-rate-default", 1.0)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	depositRates, err := rateMap(v, "deposit-rates")
	if err != nil {
		return Config{}, err
	}
	donationRates, err := rateMap(v, "donation-rates")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		SignerKey:         v.GetString("signer-key"),
		ContractAddress:   v.GetString("contract"),
		DeploymentBlock:   v.GetUint64("deployment-block"),
		AdminAddress:      v.GetString("admin-address"),
		DefaultVault:      v.GetString("default-vault"),
		NativeToken:       v.GetString("native-token"),
		VaultInitCodeHash: v.GetString("vault-init-code-hash"),

		PGDSN:       v.GetString("pg-dsn"),
		NATSURL:     v.GetString("nats-url"),
		AccountsURL: v.GetString("accounts-url"),
		PricingURL:  v.GetString("pricing-url"),
		ListenAddr:  v.GetString("listen-addr"),
		LogLevel:    v.GetString("log-level"),

		MaxJobAttempts:  v.GetInt("max-job-attempts"),
		GroupRetryMax:   v.GetInt("group-retry-max"),
		ScanBatchSize:   v.GetUint64("scan-batch-size"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		ReconInterval:   v.GetDuration("recon-interval"),
		StuckAge:        v.GetDuration("stuck-age"),
		VaultTimeout:    v.GetDuration("vault-timeout"),
		JobLeaseTimeout: v.GetDuration("job-lease-timeout"),
		JobRetention:    v.GetDuration("job-retention"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		DedupTTL:        v.GetDuration("dedup-ttl"),

		USDPerPoint:        v.GetFloat64("usd-per-point"),
		NativeMinUSD:       v.GetFloat64("native-min-usd"),
		NativeFloorRate:    v.GetFloat64("native-floor-rate"),
		ReferralRewardRate: v.GetFloat64("referral-reward-rate"),

		DepositRateDefault:  v.GetFloat64("deposit-rate-default"),
		DonationRateDefault: v.GetFloat64("donation-rate-default"),
		DepositRates:        depositRates,
		DonationRates:       donationRates,
	}

	return cfg, nil
}

// rateMap parses a token->rate table from "addr=0.7,addr2=0.5" or a config
// file map section.
func rateMap(v *viper.Viper, key string) (map[string]float64, error) {
	if !v.IsSet(key) {
		return nil, nil
	}
	out := make(map[string]float64)
	switch typed := v.Get(key).(type) {
	case string:
		for _, pair := range strings.Split(typed, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("%s: malformed entry %q", key, pair)
			}
			rate, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad rate for %q: %w", key, parts[0], err)
			}
			out[strings.ToLower(strings.TrimSpace(parts[0]))] = rate
		}
	default:
		for token, raw := range v.GetStringMapString(key) {
			rate, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad rate for %q: %w", key, token, err)
			}
			out[strings.ToLower(token)] = rate
		}
	}
	return out, nil
}

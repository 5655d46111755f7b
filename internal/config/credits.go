package config

import (
	"os"
	"strconv"
	"time"
)

type CreditsConfig struct {
	OrderApprovalTimeout time.Duration
	PaymentTimeout       time.Duration
	SweepInterval        time.Duration
	LockTimeout          time.Duration
	InviteCodeLength     int
	InviteCodeTimeout    time.Duration
	MaxTransferAmount    int64
	CacheTTL             time.Duration
}

func LoadCreditsConfig() *CreditsConfig {
	return &CreditsConfig{
		OrderApprovalTimeout: getEnvAsDuration("ORDER_APPROVAL_TIMEOUT", 72*time.Hour),
		PaymentTimeout:       getEnvAsDuration("ORDER_PAYMENT_TIMEOUT", 24*time.Hour),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 1*time.Hour),
		LockTimeout:          getEnvAsDuration("ACCOUNT_LOCK_TIMEOUT", 3*time.Second),
		InviteCodeLength:     getEnvAsInt("INVITE_CODE_LENGTH", 8),
		InviteCodeTimeout:    getEnvAsDuration("INVITE_CODE_TIMEOUT", 48*time.Hour),
		MaxTransferAmount:    getEnvAsInt64("MAX_TRANSFER_AMOUNT", 100_000_00),
		CacheTTL:             getEnvAsDuration("FAMILY_CACHE_TTL", 5*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

package types

import (
	"context"
	"strings"
	"time"
)

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// EvictionStrategy selects how victims are ranked once a cache is over
// budget. The zero value is StrategyPriority.
type EvictionStrategy uint8

const (
	StrategyPriority EvictionStrategy = iota
	StrategyLRU
	StrategyLFU
	StrategyFIFO
)

var strategyNames = map[EvictionStrategy]string{
	StrategyPriority: "priority",
	StrategyLRU:      "lru",
	StrategyLFU:      "lfu",
	StrategyFIFO:     "fifo",
}

func (s EvictionStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s EvictionStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EvictionStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseEvictionStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseEvictionStrategy(name string) (EvictionStrategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return StrategyPriority, nil
	}
	for strategy, strategyName := range strategyNames {
		if strategyName == normalized {
			return strategy, nil
		}
	}
	return StrategyPriority, Errorf(ErrEvictionStrategy, "strategy: %s", name)
}

type CacheStats struct {
	Name           string  `json:"name"`
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxSize"`
	HitRate        float64 `json:"hitRate"`
	TotalHits      int64   `json:"totalHits"`
	TotalMisses    int64   `json:"totalMisses"`
	MemoryUsage    int64   `json:"memoryUsage"`
	MaxMemoryUsage int64   `json:"maxMemoryUsage"`
	EvictionCount  int64   `json:"evictionCount"`
	RejectedCount  int64   `json:"rejectedCount"`
	ExpiredCount   int64   `json:"expiredCount"`
	Strategy       string  `json:"strategy"`
}

// SharedTier is an optional cross-process cache consulted after a local miss.
type SharedTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

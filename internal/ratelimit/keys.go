package ratelimit

import (
	"fmt"
	"strings"
)

// KeyStrategy selects which caller attributes form the admission key.
type KeyStrategy string

const (
	KeyByWallet   KeyStrategy = "wallet"
	KeyByIP       KeyStrategy = "ip"
	KeyByCombined KeyStrategy = "combined"
)

const (
	walletKeyPrefix   = "wallet:"
	ipKeyPrefix       = "ip:"
	combinedKeyPrefix = "combined:"

	unknownIP = "unknown"
)

func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch KeyStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case KeyByWallet, "":
		return KeyByWallet, nil
	case KeyByIP:
		return KeyByIP, nil
	case KeyByCombined:
		return KeyByCombined, nil
	default:
		return "", fmt.Errorf("unknown key strategy %q", s)
	}
}

// KeyInput carries the caller attributes available to key generation.
type KeyInput struct {
	Wallet string
	IP     string
}

// GenerateKey builds the admission key for a caller. Strategies that need a
// wallet fall back to the IP key for anonymous callers.
func GenerateKey(in KeyInput, strategy KeyStrategy) string {
	wallet := strings.TrimSpace(in.Wallet)
	ip := strings.TrimSpace(in.IP)
	if ip == "" {
		ip = unknownIP
	}

	switch strategy {
	case KeyByIP:
		return ipKeyPrefix + ip
	case KeyByCombined:
		if wallet == "" {
			return ipKeyPrefix + ip
		}
		return combinedKeyPrefix + wallet + ":" + ip
	default:
		if wallet == "" {
			return ipKeyPrefix + ip
		}
		return walletKeyPrefix + wallet
	}
}

// WalletKey is the identity-keyed record key for a user.
func WalletKey(userID string) string {
	return walletKeyPrefix + userID
}

// KeyIdentities returns the identities embedded in an admission key, used
// for whitelist and blacklist matching.
func KeyIdentities(key string) []string {
	switch {
	case strings.HasPrefix(key, walletKeyPrefix):
		return []string{strings.TrimPrefix(key, walletKeyPrefix)}
	case strings.HasPrefix(key, ipKeyPrefix):
		return []string{strings.TrimPrefix(key, ipKeyPrefix)}
	case strings.HasPrefix(key, combinedKeyPrefix):
		rest := strings.TrimPrefix(key, combinedKeyPrefix)
		// IPv6 addresses contain colons, the wallet never does.
		if i := strings.Index(rest, ":"); i >= 0 {
			return []string{rest[:i], rest[i+1:]}
		}
		return []string{rest}
	default:
		return []string{key}
	}
}

// KeyUser returns the wallet identity of a key, or "" for IP keys.
func KeyUser(key string) string {
	switch {
	case strings.HasPrefix(key, walletKeyPrefix), strings.HasPrefix(key, combinedKeyPrefix):
		return KeyIdentities(key)[0]
	default:
		return ""
	}
}

// EndpointBucket collapses a path to its first two segments.
func EndpointBucket(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of every environment variable the service reads.
const EnvPrefix = "CONVERSATION_SERVICE_"

// ApplyEnv reads settings that have no dedicated CLI flag: API keys, and a
// human-readable body size limit such as "512K" or "2MB".
func (c *Config) ApplyEnv() error {
	if c == nil {
		return nil
	}
	if raw := strings.TrimSpace(os.Getenv(EnvPrefix + "MAX_BODY_SIZE")); raw != "" {
		size, err := ParseSize(raw)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_BODY_SIZE: %w", EnvPrefix, err)
		}
		c.MaxBodySize = size
	}
	c.APIKeys = loadAPIKeysFromEnv()
	return nil
}

// loadAPIKeysFromEnv scans env vars matching CONVERSATION_SERVICE_API_KEYS_<CLIENT_ID>=<key>[,<key>...]
// and returns a map from key value to clientId.
func loadAPIKeysFromEnv() map[string]string {
	prefix := EnvPrefix + "API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		clientID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if clientID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = clientID
		}
	}
	return result
}

// ParseSize parses a byte size with an optional K/KB, M/MB or G/GB suffix.
func ParseSize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "GB"), strings.HasSuffix(v, "G"):
		multiplier = 1024 * 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "GB"), "G")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}

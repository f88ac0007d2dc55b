package rediskey

import (
	"fmt"
	"time"
)

const (
	VelocityPrefix = "velocity"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildVelocityKey returns "velocity:{userID}:{windowStart}" where windowStart is
// the unix second at which the fixed window containing at began.
func BuildVelocityKey(userID string, window time.Duration, at time.Time) string {
	start := at.Truncate(window).Unix()
	return NamespaceKey(VelocityPrefix, fmt.Sprintf("%s:%d", userID, start))
}

package cache

import "fmt"

func IdempotencyKey(key string) string {
	return fmt.Sprintf("route:%s", key)
}

func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

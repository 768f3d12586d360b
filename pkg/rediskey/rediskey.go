package rediskey

import "fmt"

const (
	LockPrefix     = "lock"
	SequencePrefix = "seq"
)

const (
	RetrySweepLock   = "retry:sweep"
	ReconcileLock    = "reconcile:run"
	FraudCleanupLock = "fraud:cleanup"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLockKey returns "lock:{name}"
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return fmt.Sprintf("%s:%s:%s", SequencePrefix, prefix, day)
}

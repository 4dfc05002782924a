package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

// ReadModelCacheKey names the cached read model for one entity. Conflict
// resolution invalidates exactly this key, computed from the losing event's
// payload, instead of pattern-matching over the keyspace.
func ReadModelCacheKey(storeId, entityType, entityId string) string {
	return fmt.Sprintf("ReadModel:%s:%s:%s", storeId, entityType, entityId)
}

// HealthSnapshotCacheKey caches the latest snapshot per store for the
// dashboard pull endpoint.
func HealthSnapshotCacheKey(storeId string) string {
	return "HealthSnapshot:" + storeId
}

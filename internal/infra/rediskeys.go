package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentvault"
)

// Ключи хранилища записей
const (
	RedisKeyRecordPrefix     = RedisNamespace + ":rec:"
	RedisKeyCollectionPrefix = RedisNamespace + ":col:"
	RedisKeyCollections      = RedisNamespace + ":cols"
)

// Ключи для Sets (состояние)
const (
	RedisKeyPausedComponents = RedisNamespace + ":components:paused_set"
	RedisKeyLockSync         = RedisNamespace + ":lock:sync"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPause — канал для трансляции пауз/возобновлений компонентов между агентами.
	RedisChanPause = RedisNamespace + ":components:pause-signal"
)

func RecordKey(id string) string {
	return RedisKeyRecordPrefix + id
}

func CollectionKey(c string) string {
	return RedisKeyCollectionPrefix + c
}

// GetSyncLockKey Генератор ключей блокировок синхронизации для отдельного ресурса
func GetSyncLockKey(resource string) string {
	return fmt.Sprintf("%s:%s", RedisKeyLockSync, resource)
}

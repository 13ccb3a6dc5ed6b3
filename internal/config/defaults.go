package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"etcd.endpoints":    []string{"localhost:2379"},
		"etcd.dial_timeout": "5s",

		"registry.backend": "etcd",

		"database.max_connections": 10,

		"scheduler.max_claim_retries": 5,
		"scheduler.resync_interval":   "10s",
		"scheduler.chunk_timeout":     "5m",
		"scheduler.request_timeout":   "5s",
		"scheduler.release_grace":     "500ms",

		"api.enabled": true,
		"api.host":    "0.0.0.0",
		"api.port":    8080,

		"worker.heartbeat_interval": "3s",
		"worker.image":              "alpine:latest",
		"worker.pull_images":        false,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}

package cache

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

// NewLimiterStorage returns the fiber storage backing the API rate limiter so
// that limits hold across replicas. It uses the database after the cache one.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	db := cfg.DB + 1
	if db > 15 {
		db = 15
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: db,
		Reset:    false,
	})
}

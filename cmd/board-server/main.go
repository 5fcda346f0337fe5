package main

import (
	"context"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/server"
)

// board-server runs the reference board backend: CRUD routes plus the
// websocket push channel, with optional redis fanout for multi-instance
// deployments.
func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	cfg := server.Config{
		Secret:  os.Getenv("BOARD_SECRET"),
		Channel: os.Getenv("BOARD_EVENTS_CHANNEL"),
		Logger:  log.StandardLogger(),
	}
	if connStr := os.Getenv("REDIS_CONNECTION_STRING"); connStr != "" {
		opts, err := redis.ParseURL(connStr)
		if err != nil {
			log.Fatalf("invalid REDIS_CONNECTION_STRING: %v", err)
		}
		cfg.Redis = redis.NewClient(opts)
	}
	srv := server.New(cfg)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	srv.Register(e)

	go srv.Run(context.Background())

	listenAddr := ":8000"
	if val, ok := os.LookupEnv("BOARD_SERVER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

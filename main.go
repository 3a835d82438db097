package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"board-api/api"
	"board-api/domain"
	"board-api/outbox"
	"board-api/storage"
	"board-api/store"
)

// boardSource adapts the store manager to the API's board accessor.
type boardSource struct {
	manager *store.Manager
}

func (b boardSource) Get(ctx context.Context, userID string) (api.BoardStore, error) {
	return b.manager.Get(ctx, userID)
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    64, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	changeQueue := os.Getenv("CHANGE_QUEUE")
	if connStr == "" || tasksTable == "" || changeQueue == "" {
		log.Fatal("missing storage config")
	}
	gateway, err := storage.New(connStr, changeQueue, tasksTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("ROWS_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ROWS_CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cache := storage.NewCache(gateway, rc, cacheTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", err)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	var auth *api.Auth
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("missing TEST_JWT_SECRET")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		audience := os.Getenv("AUTH0_AUDIENCE")
		authDomain := os.Getenv("AUTH0_DOMAIN")
		if audience == "" || authDomain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+authDomain+"/")
	}

	logger := log.New()
	logger.SetLevel(log.GetLevel())

	notifier := store.NewLogNotifier(logger, 0)
	ob, err := outbox.New(outbox.ConfigFromEnv(), cache, notifier, gateway, logger)
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}
	defer ob.Shutdown()

	columns := domain.DefaultColumns
	loader := storage.NewTaskLoader(cache, tasksTable)
	manager := store.NewManager(tasksTable, columns, loader, ob, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Change events from other writers invalidate the cache and refresh any
	// resident board for the user.
	feed := storage.NewChangeFeed(gateway, func(ctx context.Context, partition string) {
		cache.Evict(ctx, tasksTable, partition)
		if err := manager.Invalidate(ctx, partition); err != nil {
			logger.WithField("user_id", partition).Warnf("board refresh failed: %v", err)
		}
	}, 0, logger)
	go feed.Run(ctx)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.RequestBodyMiddleware(logger))
	e.Use(echoprometheus.NewMiddleware("board_api"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, boardSource{manager: manager}, auth, deduper, notifier, ob.Stats, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
	}()

	e.Logger.Fatal(e.Start(listenAddr))
}

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/bronifty/trellix-replicache/api"
	"github.com/bronifty/trellix-replicache/replicache"
	"github.com/bronifty/trellix-replicache/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	entitiesTable := os.Getenv("ENTITIES_TABLE")
	syncTable := os.Getenv("SYNC_TABLE")
	feedQueue := os.Getenv("FEED_QUEUE")
	if connStr == "" || entitiesTable == "" || syncTable == "" || feedQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, entitiesTable, syncTable, feedQueue)
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
	pokeChannel := os.Getenv("POKE_CHANNEL")
	if pokeChannel == "" {
		pokeChannel = "pokes"
	}

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		secret := os.Getenv("AUTH_TEST_SECRET")
		if secret == "" {
			log.Fatal("missing AUTH_TEST_SECRET")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()
	proc := replicache.NewProcessor(store, store, logger)
	poker := api.NewRedisPoker(rc, pokeChannel)
	broker := api.NewPokeBroker()
	go api.SubscribePokes(context.Background(), logger, rc, pokeChannel, broker)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, proc, auth, poker, broker, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

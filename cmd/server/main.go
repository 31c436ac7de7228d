package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/swapchat/internal/api"
	"github.com/npezzotti/swapchat/internal/auth"
	"github.com/npezzotti/swapchat/internal/config"
	"github.com/npezzotti/swapchat/internal/database"
	"github.com/npezzotti/swapchat/internal/server"
	"github.com/npezzotti/swapchat/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	store          string
	dsn            string
	signingKey     string
	strictRooms    bool
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[swapchat] ", log.LstdFlags)

	if err := config.LoadEnv(".env"); err != nil {
		logger.Fatal("env:", err)
	}

	flag.StringVar(&addr, "addr", config.Getenv("SWAPCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&store, "store", config.Getenv("SWAPCHAT_STORE", config.StorePostgres), "storage backend (postgres or mongo)")
	flag.StringVar(&dsn, "dsn", config.Getenv("SWAPCHAT_DSN", defaultDSN), "postgres connection string or mongo URI")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("SWAPCHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.BoolVar(&strictRooms, "strict-rooms", config.GetenvBool("SWAPCHAT_STRICT_ROOMS", false), "only admit thread participants to thread rooms")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := config.Getenv("SWAPCHAT_ALLOWED_ORIGINS", ""); v != "" {
			allowedOrigins.Set(v)
		}
	}

	cfg, err := config.NewConfig(addr, store, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.StrictRooms = strictRooms

	db, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	var opts []server.Option
	if cfg.StrictRooms {
		opts = append(opts, server.WithRoomAuthorizer(api.NewThreadAuthorizer(db)))
	}

	gw, err := server.NewGateway(logger, server.NewRoomRegistry(), statsUpdater, opts...)
	if err != nil {
		logger.Fatal("new gateway:", err)
	}

	verifier := auth.NewJWTVerifier(cfg.SigningKey, db)
	srv := api.NewSwapChatApp(mux, logger, gw, db, verifier, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down gateway...")
	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Println("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func openStore(cfg *config.Config, logger *log.Logger) (database.Repository, error) {
	if cfg.StoreDriver == config.StoreMongo {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := database.NewMongoRepository(ctx, cfg.DatabaseDSN, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/arenax/fight-engine/internal/capital"
	"github.com/arenax/fight-engine/internal/config"
	"github.com/arenax/fight-engine/internal/fight"
	"github.com/arenax/fight-engine/internal/matchmaking"
	"github.com/arenax/fight-engine/internal/metrics"
	"github.com/arenax/fight-engine/internal/notify"
	"github.com/arenax/fight-engine/internal/settle"
	"github.com/arenax/fight-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log.Level, cfg.Log.Format))

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL())
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Exclusion notifications ---
	var notifier settle.Notifier
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.TelegramRetryDelay())
		if err != nil {
			slog.Error("telegram setup failed", "err", err)
			os.Exit(1)
		}
		notifier = tg
		slog.Info("Telegram exclusion alerts enabled")
	}

	// --- Engine components ---
	guard := capital.NewGuard(st)
	orch := settle.NewOrchestrator(st, cfg.RuleConfig(), notifier)
	match := matchmaking.NewGuard(st, cfg.Matchmaking.MatchupCap, cfg.MatchmakingWindow())

	// --- WebSocket hub ---
	wsHub := fight.NewWSHub()
	go wsHub.Run()

	// --- Fight service ---
	fightSvc := fight.NewService(st, guard, orch, match, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(fight.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fight-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fight events.
		r.Get("/ws", wsHub.HandleWS)

		// Fight lifecycle.
		r.Post("/fights", fightSvc.CreateFight)
		r.Get("/fights/{fightID}", fightSvc.GetFight)
		r.Post("/fights/{fightID}/join", fightSvc.JoinFight)

		// Capital ceiling.
		r.Post("/fights/{fightID}/orders/check", fightSvc.CheckOrder)
		r.Get("/fights/{fightID}/capital/{userID}", fightSvc.GetCapital)

		// Trade ledger.
		r.Post("/fights/{fightID}/trades", fightSvc.RecordTrade)
		r.Get("/fights/{fightID}/trades", fightSvc.ListTrades)

		// Settlement and integrity.
		r.Post("/fights/{fightID}/result", fightSvc.SubmitResult)
		r.Post("/fights/{fightID}/settle", fightSvc.SettleFight)
		r.Get("/fights/{fightID}/violations", fightSvc.ListViolations)

		// Matchmaking.
		r.Get("/matchmaking/check", fightSvc.CheckMatchmaking)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fight-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fight-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("fight-engine stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

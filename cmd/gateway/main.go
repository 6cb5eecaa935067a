package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	redis "github.com/redis/go-redis/v9"

	"proactive-engine/internal/adapters/gateway"
	"proactive-engine/internal/adapters/repo"
	"proactive-engine/internal/infra/cache"
	"proactive-engine/internal/infra/config"
	"proactive-engine/internal/infra/db"
	infrahttp "proactive-engine/internal/infra/http"
	"proactive-engine/internal/infra/log"
	"proactive-engine/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	replyQueue, err := queue.NewRabbit(cfg.AMQPURL, cfg.Queues.Replies)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к очереди")
	}
	defer replyQueue.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cacheAdapter := cache.NewRedis(redisClient)

	integrations := map[string]string{}
	for name, baseURL := range map[string]string{
		"calendar": cfg.Integrations.CalendarURL,
		"lms":      cfg.Integrations.LMSURL,
		"email":    cfg.Integrations.EmailURL,
		"habits":   cfg.Integrations.HabitsURL,
	} {
		if baseURL != "" {
			integrations[name] = baseURL
		}
	}

	h := gateway.NewHandler(botAPI, repoAdapter, replyQueue, cacheAdapter, integrations, logger)

	srv := infrahttp.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	srv.Router.Get("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.ConfirmLink(r.Context(), r.URL.Query().Get("state")); err != nil {
			http.Error(w, "ссылка недействительна или истекла", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Интеграция подключена, можно вернуться в чат."))
	})

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("остановка гейтвея")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

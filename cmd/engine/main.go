package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"proactive-engine/internal/adapters/candidate"
	"proactive-engine/internal/adapters/collectors"
	"proactive-engine/internal/adapters/repo"
	"proactive-engine/internal/adapters/telegram"
	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/cache"
	"proactive-engine/internal/infra/config"
	"proactive-engine/internal/infra/db"
	"proactive-engine/internal/infra/llm"
	"proactive-engine/internal/infra/log"
	"proactive-engine/internal/infra/metrics"
	"proactive-engine/internal/infra/queue"
	"proactive-engine/internal/usecase/dedup"
	"proactive-engine/internal/usecase/enrich"
	"proactive-engine/internal/usecase/feedback"
	"proactive-engine/internal/usecase/loop"
	"proactive-engine/internal/usecase/prefilter"
	"proactive-engine/internal/usecase/reflection"
	"proactive-engine/internal/usecase/rules"
	"proactive-engine/internal/usecase/sender"
	"proactive-engine/internal/usecase/trust"
)

const collectorTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv, "engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cacheAdapter := cache.NewRedis(redisClient)

	replyQueue, err := queue.NewRabbit(cfg.AMQPURL, cfg.Queues.Replies)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к очереди")
	}
	defer replyQueue.Close()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	channel := telegram.NewChannel(botAPI, logger)

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, 60*time.Second)
	source := candidate.NewLLMSource(llmClient, repoAdapter, cfg.LLM.Model, cfg.LLM.Temp, 60*time.Second, logger)

	collectorSet := buildCollectors(cfg, repoAdapter, logger)

	trustService := trust.NewService()
	dedupService := dedup.NewService(repoAdapter)
	enrichService := enrich.NewService()
	prefilterService := prefilter.NewService(trustService, repoAdapter, repoAdapter)
	rulesService := rules.NewService(repoAdapter, repoAdapter, nil)
	senderService := sender.NewService(channel, logger)
	tracker := feedback.NewTracker(repoAdapter, repoAdapter, repoAdapter, repoAdapter, logger)
	reflectionService := reflection.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, logger)

	loopService := loop.NewService(loop.Deps{
		Users:      repoAdapter,
		Collectors: collectorSet,
		Dedup:      dedupService,
		Enrich:     enrichService,
		Prefilter:  prefilterService,
		Trust:      trustService,
		Source:     source,
		Rules:      rulesService,
		Sender:     senderService,
		Tracker:    tracker,
		Feedback:   repoAdapter,
		Behaviors:  repoAdapter,
		Messages:   repoAdapter,
		Deferred:   repoAdapter,
		Cache:      cacheAdapter,
	}, logger)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	go consumeReplies(ctx, replyQueue, tracker, logger)
	go runCycles(ctx, loopService, cfg.Cadence.Cycle, logger)
	go runDeferredSweep(ctx, loopService, cfg.Cadence.Deferred, logger)
	go runReflection(ctx, reflectionService, cfg, logger)

	logger.Info().Msg("движок запущен")
	<-ctx.Done()
	logger.Info().Msg("остановка движка")
}

func buildCollectors(cfg config.AppConfig, messages domain.MessageLogRepo, logger zerolog.Logger) []domain.SignalCollector {
	var out []domain.SignalCollector
	if c, err := collectors.NewCalendar(cfg.Integrations.CalendarURL, collectorTimeout, logger); err == nil {
		out = append(out, c)
	} else {
		logger.Warn().Err(err).Msg("коллектор календаря не создан")
	}
	if c, err := collectors.NewLMS(cfg.Integrations.LMSURL, collectorTimeout, logger); err == nil {
		out = append(out, c)
	} else {
		logger.Warn().Err(err).Msg("коллектор LMS не создан")
	}
	if c, err := collectors.NewEmail(cfg.Integrations.EmailURL, collectorTimeout, logger); err == nil {
		out = append(out, c)
	} else {
		logger.Warn().Err(err).Msg("коллектор почты не создан")
	}
	if c, err := collectors.NewHabits(cfg.Integrations.HabitsURL, collectorTimeout, logger); err == nil {
		out = append(out, c)
	} else {
		logger.Warn().Err(err).Msg("коллектор привычек не создан")
	}
	out = append(out, collectors.NewInternal(messages, logger))
	return out
}

func consumeReplies(ctx context.Context, q domain.ReplyQueue, tracker *feedback.Tracker, logger zerolog.Logger) {
	for {
		event, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("чтение события из очереди")
			time.Sleep(time.Second)
			continue
		}
		if err := tracker.HandleEvent(ctx, event); err != nil {
			logger.Error().Err(err).Int64("user", event.UserID).Msg("обработка события обратной связи")
		}
	}
}

func runCycles(ctx context.Context, svc *loop.Service, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := svc.RunAll(ctx, now.UTC()); err != nil {
				logger.Error().Err(err).Msg("цикл принятия решений")
			}
		}
	}
}

func runDeferredSweep(ctx context.Context, svc *loop.Service, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := svc.SweepDeferred(ctx, now.UTC()); err != nil {
				logger.Error().Err(err).Msg("обход отложенных отправок")
			}
		}
	}
}

func runReflection(ctx context.Context, svc *reflection.Service, cfg config.AppConfig, logger zerolog.Logger) {
	hour, minute := cfg.ReflectionClock()
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case at := <-timer.C:
			if err := svc.RunAll(ctx, at.UTC()); err != nil {
				logger.Error().Err(err).Msg("ночная рефлексия")
			}
		}
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CollectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_errors_total",
		Help: "Ошибки сборщиков сигналов",
	}, []string{"collector"})

	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signals_total",
		Help: "Сигналы, прошедшие дедупликацию",
	}, []string{"type"})

	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proactive_sends_total",
		Help: "Отправленные проактивные сообщения",
	}, []string{"category", "format"})

	SendFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proactive_send_fallbacks_total",
		Help: "Повторные отправки в запасном формате",
	})

	BlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proactive_blocks_total",
		Help: "Циклы, остановленные предфильтром",
	}, []string{"reason"})

	OutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proactive_outcomes_total",
		Help: "Закрытые исходы обратной связи",
	}, []string{"outcome"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proactive_cycle_seconds",
		Help:    "Время одного цикла решения по пользователю",
		Buckets: prometheus.DefBuckets,
	})

	ReflectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reflection_run_seconds",
		Help:    "Время ночной рефлексии по пользователю",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CollectorErrors,
		SignalsTotal,
		SendsTotal,
		SendFallbacks,
		BlocksTotal,
		OutcomesTotal,
		CycleDuration,
		ReflectionDuration,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncSend увеличивает счётчик отправок.
func IncSend(category, format string) {
	SendsTotal.WithLabelValues(category, format).Inc()
}

// IncBlock увеличивает счётчик блокировок предфильтром.
func IncBlock(reason string) {
	BlocksTotal.WithLabelValues(reason).Inc()
}

// IncOutcome увеличивает счётчик закрытых исходов.
func IncOutcome(outcome string) {
	OutcomesTotal.WithLabelValues(outcome).Inc()
}

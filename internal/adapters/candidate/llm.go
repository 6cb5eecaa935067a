package candidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/llm"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatCompletionRequest) (llm.ChatCompletionResponse, error)
}

// LLMSource генерирует кандидатов проактивных сообщений через LLM.
type LLMSource struct {
	client      chatCompletionClient
	memory      domain.MemoryRepo
	model       string
	temperature float64
	timeout     time.Duration
	log         zerolog.Logger
}

var _ domain.CandidateSource = (*LLMSource)(nil)

// NewLLMSource создаёт источник кандидатов.
func NewLLMSource(client chatCompletionClient, memory domain.MemoryRepo, model string, temperature float64, timeout time.Duration, log zerolog.Logger) *LLMSource {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMSource{client: client, memory: memory, model: model, temperature: temperature, timeout: timeout, log: log}
}

type llmSignalPayload struct {
	Type    string         `json:"type"`
	Urgency int            `json:"urgency"`
	Data    map[string]any `json:"data,omitempty"`
}

type llmContextPayload struct {
	LocalTime      string             `json:"local_time"`
	TrustLevel     string             `json:"trust_level"`
	Signals        []llmSignalPayload `json:"signals"`
	MemoryFacts    []string           `json:"memory_facts,omitempty"`
	RecentMessages []string           `json:"recent_messages,omitempty"`
}

type llmCandidateResponse struct {
	Candidates []llmCandidatePayload `json:"candidates"`
}

type llmCandidatePayload struct {
	Message        string         `json:"message"`
	Relevance      float64        `json:"relevance"`
	Timing         float64        `json:"timing"`
	Urgency        float64        `json:"urgency"`
	Category       string         `json:"category"`
	TriggerSignals []string       `json:"trigger_signals"`
	ActionType     string         `json:"action_type,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

const systemPrompt = "Ты проактивный личный ассистент студента. Предлагай только сообщения, " +
	"которые опираются на перечисленные сигналы и факты, не выдумывай события. " +
	"Пустой список кандидатов — нормальный ответ, если писать не о чем."

// Generate строит контекст цикла, запрашивает модель и разбирает кандидатов.
// Невалидный JSON — ошибка domain.ErrMalformedOutput; оркестратор трактует
// её как пустой цикл.
func (s *LLMSource) Generate(ctx context.Context, cycle domain.CycleContext) ([]domain.Candidate, error) {
	if len(cycle.Signals) == 0 {
		return nil, nil
	}

	payload := llmContextPayload{
		LocalTime:  cycle.Now.In(cycle.User.Location()).Format("Mon 15:04"),
		TrustLevel: string(cycle.Trust.Level),
	}
	for _, sig := range cycle.Signals {
		payload.Signals = append(payload.Signals, llmSignalPayload{
			Type:    string(sig.Type),
			Urgency: sig.Urgency(),
			Data:    sig.Data,
		})
	}
	if s.memory != nil {
		facts, err := s.memory.ListFacts(ctx, cycle.User.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("user", cycle.User.ID).Msg("candidate: факты памяти недоступны")
		}
		for _, fact := range facts {
			payload.MemoryFacts = append(payload.MemoryFacts, fact.EntityName+": "+fact.Content)
		}
	}
	for _, msg := range cycle.RecentMessages {
		payload.RecentMessages = append(payload.RecentMessages, msg.Text)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация контекста: %w", err)
	}

	userPrompt := fmt.Sprintf(`
Вот контекст пользователя в JSON:
%s

Предложи от 0 до 5 кандидатов проактивных сообщений. Для каждого:
1. "message" — готовый текст на языке пользователя, без приветствий и подписей.
2. "relevance", "timing", "urgency" — оценки от 0 до 10.
3. "category" — одна из: deadline_warning, schedule_info, task_reminder, wellbeing, social, nudge, briefing, memory_recall, grade_alert, email_alert, habit.
4. "trigger_signals" — типы сигналов из контекста, на которые опирается сообщение.
5. "action_type" — "text" или "button_prompt", если уместен быстрый ответ кнопками.
Ответ строго в формате JSON: {"candidates": [...]}.`, string(body))

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(reqCtx, llm.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		ResponseFormat: &llm.ChatCompletionResponseFormat{Type: llm.ResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("генерация кандидатов: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: пустой ответ модели", domain.ErrMalformedOutput)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var parsed llmCandidateResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedOutput, err)
	}

	var candidates []domain.Candidate
	for _, c := range parsed.Candidates {
		message := strings.TrimSpace(c.Message)
		if message == "" {
			continue
		}
		category, ok := domain.ParseCategory(c.Category)
		if !ok {
			s.log.Debug().Str("category", c.Category).Msg("candidate: неизвестная категория отброшена")
			continue
		}
		cand := domain.Candidate{
			Message:    message,
			Relevance:  clampScore(c.Relevance),
			Timing:     clampScore(c.Timing),
			Urgency:    int(clampScore(c.Urgency)),
			Category:   category,
			ActionType: domain.ActionText,
			Data:       c.Data,
		}
		if c.ActionType == string(domain.ActionButtonPrompt) {
			cand.ActionType = domain.ActionButtonPrompt
		}
		for _, trig := range c.TriggerSignals {
			cand.TriggerSignals = append(cand.TriggerSignals, domain.SignalType(trig))
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

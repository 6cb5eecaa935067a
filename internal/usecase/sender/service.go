package sender

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

// Service доставляет победившего кандидата: выбирает формат, чистит текст
// и отправляет с одним повтором при неподдержанном формате.
type Service struct {
	channel domain.DeliveryChannel
	log     zerolog.Logger
}

// NewService создаёт отправителя.
func NewService(channel domain.DeliveryChannel, log zerolog.Logger) *Service {
	return &Service{channel: channel, log: log}
}

// Delivery описывает итог доставки.
type Delivery struct {
	Format   domain.DeliveryFormat
	Text     string
	Warnings []string
}

// Deliver отправляет кандидата пользователю. preferred — мета-предпочтение
// формата из поведенческой модели; пустое значение означает автоматический
// выбор.
func (s *Service) Deliver(ctx context.Context, user domain.User, cand domain.Candidate, preferred domain.DeliveryFormat) (Delivery, error) {
	clean, warnings := SanitizeContent(cand.Message)
	for _, w := range warnings {
		s.log.Warn().Int64("user", user.ID).Str("warning", w).Msg("sender: замечание к контенту")
	}

	format := SelectFormat(cand, clean, preferred)
	msg := buildMessage(format, cand, clean)
	if err := validateMessage(msg); err != nil {
		// Ограничения формата нарушены: уходим в простой текст.
		s.log.Debug().Err(err).Str("format", string(format)).Msg("sender: формат не прошёл проверку")
		format = domain.FormatText
		msg = buildMessage(domain.FormatText, cand, clean)
	}

	result, err := s.channel.Send(ctx, user.ChatID, msg)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err)
	}
	if !result.Success && result.FallbackFormat != "" && result.FallbackFormat != format {
		// Канал подсказал формат: одна повторная попытка.
		metrics.SendFallbacks.Inc()
		format = result.FallbackFormat
		msg = buildMessage(format, cand, clean)
		result, err = s.channel.Send(ctx, user.ChatID, msg)
		if err != nil {
			return Delivery{}, fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err)
		}
	}
	if !result.Success {
		return Delivery{}, fmt.Errorf("%w: канал отклонил сообщение", domain.ErrDeliveryFailure)
	}

	return Delivery{Format: format, Text: clean, Warnings: warnings}, nil
}

// SelectFormat выбирает формат доставки по кандидату и содержимому.
func SelectFormat(cand domain.Candidate, text string, preferred domain.DeliveryFormat) domain.DeliveryFormat {
	if preferred == domain.FormatText {
		return domain.FormatText
	}
	if cand.Link() != "" {
		return domain.FormatCTAURL
	}
	if cand.Category == domain.CategoryBriefing && strings.Contains(text, "\n") {
		return domain.FormatList
	}
	if cand.ActionType == domain.ActionButtonPrompt {
		return domain.FormatButton
	}
	return domain.FormatText
}

// buildMessage собирает полезную нагрузку для канала по выбранному формату.
func buildMessage(format domain.DeliveryFormat, cand domain.Candidate, text string) domain.OutgoingMessage {
	msg := domain.OutgoingMessage{Format: format, Text: text}
	switch format {
	case domain.FormatButton:
		msg.Buttons = candidateButtons(cand)
	case domain.FormatList:
		lines := strings.Split(text, "\n")
		msg.Text = lines[0]
		for _, line := range lines[1:] {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				msg.Rows = append(msg.Rows, trimmed)
			}
		}
	case domain.FormatCTAURL:
		msg.LinkURL = cand.Link()
		msg.LinkLabel = stringFromData(cand.Data, "link_label")
		if msg.LinkLabel == "" {
			msg.LinkLabel = "Открыть"
		}
	}
	return msg
}

func candidateButtons(cand domain.Candidate) []string {
	if raw, ok := cand.Data["buttons"].([]any); ok {
		var buttons []string
		for _, b := range raw {
			if s, ok := b.(string); ok && strings.TrimSpace(s) != "" {
				buttons = append(buttons, strings.TrimSpace(s))
			}
		}
		if len(buttons) > 0 {
			return buttons
		}
	}
	return []string{"Да", "Не сейчас"}
}

func stringFromData(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

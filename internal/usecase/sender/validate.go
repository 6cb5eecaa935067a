package sender

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"proactive-engine/internal/domain"
)

// Ограничения контента и форматов.
const (
	maxMessageRunes = 800
	maxButtons      = 3
	maxButtonRunes  = 32
	maxListRows     = 10
	maxRowRunes     = 64
	maxLabelRunes   = 32
)

var markdownRegexp = regexp.MustCompile("[*_`#~]+")

var signatureRegexps = []*regexp.Regexp{
	regexp.MustCompile(`(?mi)\n\s*(--|—)\s*(ваш|твой)?\s*ассистент.*$`),
	regexp.MustCompile(`(?mi)\n\s*с уважением[,.]?.*$`),
	regexp.MustCompile(`(?mi)\n\s*(best|kind) regards[,.]?.*$`),
}

var bannedPhrases = []string{
	"как языковая модель",
	"как ии",
	"as an ai",
	"language model",
	"i cannot",
	"я не могу помочь",
}

var leakagePatterns = []string{
	"system prompt",
	"системный промпт",
	"инструкция:",
	"### instruction",
	"[system]",
}

// SanitizeContent чистит текст перед отправкой. Жёсткие правки (обрезка,
// markdown, эмодзи, подпись) применяются молча; запрещённые фразы и следы
// промпта не блокируют отправку, а возвращаются предупреждениями.
func SanitizeContent(text string) (string, []string) {
	var warnings []string
	clean := strings.TrimSpace(text)

	for _, re := range signatureRegexps {
		clean = re.ReplaceAllString(clean, "")
	}
	clean = markdownRegexp.ReplaceAllString(clean, "")
	clean = limitEmoji(clean, 1)
	clean = truncateAtWord(clean, maxMessageRunes)
	clean = strings.TrimSpace(clean)

	lower := strings.ToLower(clean)
	for _, phrase := range bannedPhrases {
		if strings.Contains(lower, phrase) {
			warnings = append(warnings, fmt.Sprintf("запрещённая фраза: %q", phrase))
		}
	}
	for _, pattern := range leakagePatterns {
		if strings.Contains(lower, pattern) {
			warnings = append(warnings, fmt.Sprintf("возможная утечка промпта: %q", pattern))
		}
	}
	return clean, warnings
}

// truncateAtWord обрезает текст по границе слова, не превышая limit рун.
func truncateAtWord(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	cut := limit
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

// limitEmoji оставляет не больше max эмодзи, убирая остальные.
func limitEmoji(text string, max int) string {
	var b strings.Builder
	kept := 0
	for _, r := range text {
		if isEmoji(r) {
			if kept >= max {
				continue
			}
			kept++
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F000 && r <= 0x1F2FF:
		return true
	case r == 0x2764: // ❤
		return true
	}
	return false
}

// validateMessage проверяет ограничения конкретного формата.
func validateMessage(msg domain.OutgoingMessage) error {
	switch msg.Format {
	case domain.FormatButton:
		if len(msg.Buttons) == 0 || len(msg.Buttons) > maxButtons {
			return fmt.Errorf("кнопок должно быть от 1 до %d", maxButtons)
		}
		for _, b := range msg.Buttons {
			if utf8.RuneCountInString(b) > maxButtonRunes {
				return fmt.Errorf("кнопка длиннее %d символов", maxButtonRunes)
			}
		}
	case domain.FormatList:
		if len(msg.Rows) == 0 || len(msg.Rows) > maxListRows {
			return fmt.Errorf("строк списка должно быть от 1 до %d", maxListRows)
		}
		for _, row := range msg.Rows {
			if utf8.RuneCountInString(row) > maxRowRunes {
				return fmt.Errorf("строка списка длиннее %d символов", maxRowRunes)
			}
		}
	case domain.FormatCTAURL:
		parsed, err := url.Parse(msg.LinkURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("некорректная ссылка %q", msg.LinkURL)
		}
		if utf8.RuneCountInString(msg.LinkLabel) > maxLabelRunes {
			return fmt.Errorf("подпись ссылки длиннее %d символов", maxLabelRunes)
		}
	}
	return nil
}

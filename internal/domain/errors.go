package domain

import "errors"

// Таксономия ошибок пайплайна. Ошибки коллекторов и отдельных
// пользователей всегда изолируются: падение одного не прерывает остальных.
var (
	// ErrIntegrationUnavailable — интеграция коллектора не подключена,
	// пустой результат без повтора в этом цикле.
	ErrIntegrationUnavailable = errors.New("интеграция недоступна")
	// ErrTransientFailure — таймаут или 5xx внешнего вызова, цикл
	// пользователя прерывается до следующего тика.
	ErrTransientFailure = errors.New("временная ошибка внешнего вызова")
	// ErrDeliveryFailure — канал отклонил сообщение.
	ErrDeliveryFailure = errors.New("ошибка доставки")
	// ErrMalformedOutput — источник кандидатов вернул нечитаемые данные,
	// трактуется как пустой список.
	ErrMalformedOutput = errors.New("нечитаемый ответ источника кандидатов")
	// ErrStaleCandidate — отложенная отправка устарела к моменту доставки.
	ErrStaleCandidate = errors.New("кандидат устарел")
	// ErrUserNotFound — пользователь не найден в хранилище.
	ErrUserNotFound = errors.New("пользователь не найден")
)

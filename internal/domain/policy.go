package domain

import (
	"time"
)

// Час суток, к которому нормализуется дата следующей попытки,
// чтобы пакетное сканирование было предсказуемым.
const retryHourOfDay = 10

// DunningPolicy политика взыскания. Для тенанта может существовать
// собственная запись; иначе действует системная политика по умолчанию.
// Оркестратор политику только читает, мутируют ее конфигурационные
// операции тенанта.
type DunningPolicy struct {
	TenantID             string `json:"tenant_id,omitempty"`
	MaxRetries           int    `json:"max_retries"`
	RetryIntervalDays    []int  `json:"retry_interval_days"`
	SuspendAfterFailures int    `json:"suspend_after_failures"`
	CancelAfterDays      int    `json:"cancel_after_days"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// DefaultDunningPolicy возвращает системную политику по умолчанию
func DefaultDunningPolicy() DunningPolicy {
	return DunningPolicy{
		MaxRetries:           4,
		RetryIntervalDays:    []int{3, 5, 7, 10},
		SuspendAfterFailures: 2,
		CancelAfterDays:      30,
		NotificationsEnabled: true,
	}
}

// Merge накладывает переопределения тенанта на базовую политику.
// Нулевые поля переопределения наследуются из базовой.
func (p DunningPolicy) Merge(base DunningPolicy) DunningPolicy {
	merged := p
	if merged.MaxRetries <= 0 {
		merged.MaxRetries = base.MaxRetries
	}
	if len(merged.RetryIntervalDays) == 0 {
		merged.RetryIntervalDays = base.RetryIntervalDays
	}
	if merged.SuspendAfterFailures <= 0 {
		merged.SuspendAfterFailures = base.SuspendAfterFailures
	}
	if merged.CancelAfterDays <= 0 {
		merged.CancelAfterDays = base.CancelAfterDays
	}
	return merged
}

// NextAttemptAt вычисляет дату следующей попытки для попытки с номером
// attemptNumber (нумерация с 1). Если номер выходит за пределы списка
// интервалов, используется последний интервал: повторять чаще самого
// длинного настроенного промежутка нельзя. Результат нормализуется
// к фиксированному времени суток (10:00).
func (p DunningPolicy) NextAttemptAt(from time.Time, attemptNumber int) time.Time {
	if len(p.RetryIntervalDays) == 0 {
		p.RetryIntervalDays = DefaultDunningPolicy().RetryIntervalDays
	}

	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.RetryIntervalDays) {
		idx = len(p.RetryIntervalDays) - 1
	}

	next := from.AddDate(0, 0, p.RetryIntervalDays[idx])
	return time.Date(next.Year(), next.Month(), next.Day(), retryHourOfDay, 0, 0, 0, from.Location())
}

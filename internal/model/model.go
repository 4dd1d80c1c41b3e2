// Package model содержит доменные сущности биллингового ядра.
package model

import "time"

// CurrencyKind определяет вид баланса счёта.
type CurrencyKind string

const (
	KindToken           CurrencyKind = "TOKEN"
	KindRoadmapTicket   CurrencyKind = "ROADMAP_TICKET"
	KindWorksheetTicket CurrencyKind = "WORKSHEET_TICKET"
)

// IsValid проверяет, что вид баланса известен системе.
func (k CurrencyKind) IsValid() bool {
	switch k {
	case KindToken, KindRoadmapTicket, KindWorksheetTicket:
		return true
	}
	return false
}

// IsTicket возвращает true для билетных счетов, списание с которых всегда стоит одну единицу.
func (k CurrencyKind) IsTicket() bool {
	return k == KindRoadmapTicket || k == KindWorksheetTicket
}

// Account представляет счёт участника для одного вида баланса.
// Поле Version служит штампом оптимистической блокировки и
// увеличивается при каждой успешной записи.
type Account struct {
	ID        int64
	MemberID  int64
	Kind      CurrencyKind
	Balance   int64
	Version   int64
	CreatedAt time.Time
}

// EntryKind описывает тип записи в журнале операций.
type EntryKind string

const (
	EntryCharge      EntryKind = "CHARGE"
	EntryUsage       EntryKind = "USAGE"
	EntryRefund      EntryKind = "REFUND"
	EntryAdminCharge EntryKind = "ADMIN_CHARGE"
	EntryAdminDeduct EntryKind = "ADMIN_DEDUCT"
)

// Sign возвращает знак записи при воспроизведении журнала:
// пополнения положительные, списания отрицательные.
func (k EntryKind) Sign() int64 {
	switch k {
	case EntryUsage, EntryAdminDeduct:
		return -1
	default:
		return 1
	}
}

// Акторы, от имени которых пишутся записи журнала.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
)

// LedgerEntry — неизменяемая запись журнала об одной мутации баланса.
// BalanceAfter фиксирует баланс счёта, записанный в той же транзакции.
type LedgerEntry struct {
	ID           int64
	AccountID    int64
	Kind         EntryKind
	Amount       int64
	BalanceAfter int64
	SourceRef    *string
	Description  string
	Actor        string
	CreatedAt    time.Time
}

// UsageStatus описывает состояние списания за единицу внешней работы.
type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "PENDING"
	UsageStatusCompleted UsageStatus = "COMPLETED"
	UsageStatusFailed    UsageStatus = "FAILED"
)

// Usage — запись о списании баланса в обмен на единицу внешней работы.
// Создаётся в статусе PENDING одновременно со списанием и переходит
// ровно один раз в COMPLETED либо FAILED.
type Usage struct {
	ID          int64
	MemberID    int64
	AccountID   int64
	ServiceRef  string
	CostDebited int64
	ActualCost  *int64
	Status      UsageStatus
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// Coupon — купон с фиксированным номиналом.
// MemberID равен nil, пока купон лежит в пуле и не закреплён за участником;
// UsedAt равен nil, пока купон не погашен.
type Coupon struct {
	ID             int64
	Code           string
	Type           string
	BalanceGranted int64
	ExpiresAt      time.Time
	MemberID       *int64
	UsedAt         *time.Time
	Version        int64
	CreatedAt      time.Time
}

// Balances содержит балансы участника по всем видам счетов.
type Balances struct {
	Tokens           int64 `json:"tokens"`
	RoadmapTickets   int64 `json:"roadmap_tickets"`
	WorksheetTickets int64 `json:"worksheet_tickets"`
}

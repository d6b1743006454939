// Package model содержит доменные сущности сервиса статистической отчётности.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/shopspring/decimal"
)

// JobState описывает состояние исполнения задания.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// JobType описывает тип задания исполнения.
type JobType string

const (
	JobTypeRegular  JobType = "regular"
	JobTypeWaferRun JobType = "wafer_run"
)

// OrderStatus описывает статус коммерческого заказа.
type OrderStatus string

const (
	OrderStatusDraft      OrderStatus = "draft"
	OrderStatusSubmitted  OrderStatus = "submitted"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Order описывает заказ клиента, который ведёт закреплённый аккаунт-менеджер.
type Order struct {
	ID          uuid.UUID
	CustomerID  int64
	ManagerID   int64
	JobID       *int64
	Title       string
	Description string
	Status      OrderStatus
	// TotalPrice содержит производную сумму заказа: sum(quantity * price) по позициям.
	TotalPrice  decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// OrderItem описывает услугу, добавленную в заказ, с зафиксированной ценой.
type OrderItem struct {
	ID        int64
	OrderID   uuid.UUID
	ServiceID int64
	Quantity  int
	// Price фиксирует цену на момент добавления позиции. При нулевом значении
	// на входе подставляется текущая цена услуги из каталога.
	Price     decimal.Decimal
	CreatedAt time.Time
}

// AccountManager представляет профиль аккаунт-менеджера поверх учётной записи.
type AccountManager struct {
	ID     int64
	UserID int64
	Active bool
}

// Customer представляет профиль клиента поверх учётной записи.
type Customer struct {
	ID        int64
	UserID    int64
	CreatedAt time.Time
}

// ReportType описывает вид статистического отчёта.
type ReportType string

const (
	ReportTypeJob      ReportType = "job"
	ReportTypeOrder    ReportType = "order"
	ReportTypeUser     ReportType = "user"
	ReportTypeCombined ReportType = "combined"
)

// Report описывает определение отчёта: период в кварталах и вид статистики.
// Каждое сохранение отчёта влечёт полный пересчёт всех применимых снапшотов.
type Report struct {
	ID          int64
	Title       string
	Description string
	Type        ReportType
	QuarterFrom period.Quarter
	YearFrom    int
	QuarterTo   period.Quarter
	YearTo      int
	CreatedBy   *int64
	// DocumentPath хранит непрозрачную ссылку на приложенный документ отчёта.
	DocumentPath string
	CreatedAt    time.Time
}

// JobReportResult описывает снапшот статистики заданий, один на отчёт.
// Средние времена завершения по типам по умолчанию равны 0, а не NULL.
type JobReportResult struct {
	ReportID                  int64
	TotalJobs                 int
	AvgCompletionTimeRegular  float64
	AvgCompletionTimeWaferRun float64
	JobsCreated               int
	JobsActive                int
	JobsCompleted             int
	JobsFailed                int
	JobsDelayed               int
}

// OrderReportResult описывает снапшот статистики заказов, один на отчёт.
// AvgProcessingDays остаётся nil, если в периоде нет завершённых заказов,
// в отличие от нулевых средних в JobReportResult.
type OrderReportResult struct {
	ReportID          int64
	TotalOrders       int
	TotalRevenue      decimal.Decimal
	AverageOrderValue decimal.Decimal
	OrdersDraft       int
	OrdersSubmitted   int
	OrdersInProgress  int
	OrdersCompleted   int
	OrdersCancelled   int
	AvgProcessingDays *float64
}

// UserReportResult описывает снапшот активности пользователей, один на отчёт.
type UserReportResult struct {
	ReportID              int64
	TotalActiveUsers      int
	NewCustomers          int
	ActiveAccountManagers int
	TopManagerUserID      *int64
	TopCustomerUserID     *int64
	TopManagerOrders      int
	TopManagerRevenue     decimal.Decimal
}

// ReportResults объединяет вычисленные снапшоты отчёта. Отсутствующий вид
// статистики представлен nil.
type ReportResults struct {
	Job   *JobReportResult
	Order *OrderReportResult
	User  *UserReportResult
}

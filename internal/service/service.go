// Package service реализует бизнес-логику сервиса статистической отчётности.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/statreport-system/internal/execution"
	"github.com/mmeshcher/statreport-system/internal/model"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/mmeshcher/statreport-system/internal/repository"
)

// ErrInvalidReportType возвращается при неизвестном виде отчёта.
var (
	ErrInvalidReportType = errors.New("invalid report type")
	// ErrInvalidOrderStatus возвращается при неизвестном статусе заказа.
	ErrInvalidOrderStatus = errors.New("invalid order status")
	// ErrInvalidQuantity возвращается при неположительном количестве в позиции заказа.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateReport(ctx context.Context, report *model.Report) error
	UpdateReport(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, id int64) (*model.Report, error)
	ListReports(ctx context.Context) ([]model.Report, error)
	DeleteReport(ctx context.Context, id int64) error
	SetReportDocument(ctx context.Context, id int64, path string) error
	GetReportResults(ctx context.Context, reportID int64) (model.ReportResults, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	GetOrderItems(ctx context.Context, orderID uuid.UUID) ([]model.OrderItem, error)
	AddOrderItem(ctx context.Context, item *model.OrderItem) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) (*model.Order, error)
	GetJobsForSync(ctx context.Context, limit int) ([]repository.JobForSync, error)
	UpdateJobExecution(ctx context.Context, number string, state model.JobState, endedAt *time.Time, completionDays *float64) error
}

// Calculator описывает пересчёт статистики отчёта.
type Calculator interface {
	Recompute(ctx context.Context, report *model.Report) error
}

// Service содержит бизнес-логику сервиса статистической отчётности.
type Service struct {
	repo       Repository
	calc       Calculator
	execClient *execution.Client
}

// NewService создаёт новый сервис с указанным репозиторием, калькулятором
// статистики и клиентом системы исполнения.
func NewService(repo Repository, calc Calculator, execClient *execution.Client) *Service {
	return &Service{
		repo:       repo,
		calc:       calc,
		execClient: execClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// SaveAndRecompute сохраняет определение отчёта и синхронно пересчитывает его
// статистику. Пересчёт выполняется при каждом сохранении, в том числе когда
// изменились только заголовок или описание.
func (s *Service) SaveAndRecompute(ctx context.Context, report *model.Report) error {
	if !validReportType(report.Type) {
		return ErrInvalidReportType
	}

	// Период проверяется до записи: отчёт с некорректным кварталом не сохраняется.
	if _, err := period.RangeForQuarters(report.QuarterFrom, report.YearFrom, report.QuarterTo, report.YearTo); err != nil {
		return err
	}

	if report.ID == 0 {
		if err := s.repo.CreateReport(ctx, report); err != nil {
			return err
		}
	} else {
		if err := s.repo.UpdateReport(ctx, report); err != nil {
			return err
		}
	}

	return s.calc.Recompute(ctx, report)
}

// GetReport возвращает определение отчёта.
func (s *Service) GetReport(ctx context.Context, id int64) (*model.Report, error) {
	return s.repo.GetReport(ctx, id)
}

// GetReportResults возвращает вычисленные снапшоты отчёта.
func (s *Service) GetReportResults(ctx context.Context, reportID int64) (model.ReportResults, error) {
	return s.repo.GetReportResults(ctx, reportID)
}

// ListReports возвращает все отчёты.
func (s *Service) ListReports(ctx context.Context) ([]model.Report, error) {
	return s.repo.ListReports(ctx)
}

// DeleteReport удаляет отчёт вместе со снапшотами.
func (s *Service) DeleteReport(ctx context.Context, id int64) error {
	return s.repo.DeleteReport(ctx, id)
}

// AttachReportDocument сохраняет ссылку на документ отчёта. Пересчёт статистики
// при этом не выполняется.
func (s *Service) AttachReportDocument(ctx context.Context, id int64, path string) error {
	return s.repo.SetReportDocument(ctx, id, path)
}

// CreateOrder создаёт новый заказ. Пустой статус трактуется как draft.
// Заказ, заведённый сразу в статусе completed, получает отметку времени
// завершения при создании, как и при переходе в completed позже.
func (s *Service) CreateOrder(ctx context.Context, order *model.Order) error {
	if order.Status == "" {
		order.Status = model.OrderStatusDraft
	}
	if !validOrderStatus(order.Status) {
		return ErrInvalidOrderStatus
	}
	if order.Status == model.OrderStatusCompleted && order.CompletedAt == nil {
		now := time.Now().UTC()
		order.CompletedAt = &now
	}
	return s.repo.CreateOrder(ctx, order)
}

// GetOrder возвращает заказ вместе с позициями.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, []model.OrderItem, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.repo.GetOrderItems(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// AddOrderItem добавляет позицию в заказ и возвращает заказ с пересчитанной суммой.
func (s *Service) AddOrderItem(ctx context.Context, item *model.OrderItem) (*model.Order, error) {
	if item.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return s.repo.AddOrderItem(ctx, item)
}

// UpdateOrderStatus переводит заказ в новый статус.
func (s *Service) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) (*model.Order, error) {
	if !validOrderStatus(status) {
		return nil, ErrInvalidOrderStatus
	}
	return s.repo.UpdateOrderStatus(ctx, id, status)
}

func validReportType(t model.ReportType) bool {
	switch t {
	case model.ReportTypeJob, model.ReportTypeOrder, model.ReportTypeUser, model.ReportTypeCombined:
		return true
	}
	return false
}

func validOrderStatus(st model.OrderStatus) bool {
	switch st {
	case model.OrderStatusDraft, model.OrderStatusSubmitted, model.OrderStatusInProgress,
		model.OrderStatusCompleted, model.OrderStatusCancelled:
		return true
	}
	return false
}

// StartExecutionSync запускает фоновую сверку состояний заданий с системой исполнения.
func (s *Service) StartExecutionSync(ctx context.Context) {
	if s.execClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncExecutionBatch(ctx)
			}
		}
	}()
}

func (s *Service) syncExecutionBatch(ctx context.Context) {
	jobs, err := s.repo.GetJobsForSync(ctx, 100)
	if err != nil {
		return
	}

	for _, j := range jobs {
		resp, statusCode, retryAfter, err := s.execClient.GetJobExecution(ctx, j.Number)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		var state model.JobState
		switch resp.State {
		case "created":
			state = model.JobStateCreated
		case "active":
			state = model.JobStateActive
		case "completed":
			state = model.JobStateCompleted
		case "failed":
			state = model.JobStateFailed
		case "delayed":
			state = model.JobStateDelayed
		default:
			continue
		}

		var endedAt *time.Time
		var completionDays *float64
		if resp.EndDate != nil {
			endedAt = resp.EndDate
			if state == model.JobStateCompleted {
				days := resp.EndDate.Sub(j.StartedAt).Hours() / 24
				completionDays = &days
			}
		}

		_ = s.repo.UpdateJobExecution(ctx, j.Number, state, endedAt, completionDays)
	}
}

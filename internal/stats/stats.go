// Package stats реализует вычисление статистических снапшотов отчётов.
package stats

import (
	"context"
	"fmt"

	"github.com/mmeshcher/statreport-system/internal/model"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/shopspring/decimal"
)

// Repository описывает контракт доступа к данным, используемый калькулятором:
// запросы только на чтение по сущностям платформы и запись снапшотов результатов.
type Repository interface {
	CountJobs(ctx context.Context, rng period.DateRange) (int, error)
	CountJobsByState(ctx context.Context, rng period.DateRange) (map[model.JobState]int, error)
	AvgJobCompletionDays(ctx context.Context, rng period.DateRange, jobType model.JobType) (float64, error)

	CountOrders(ctx context.Context, rng period.DateRange) (int, error)
	SumOrderRevenue(ctx context.Context, rng period.DateRange) (decimal.Decimal, error)
	CountOrdersByStatus(ctx context.Context, rng period.DateRange) (map[model.OrderStatus]int, error)
	AvgOrderProcessingDays(ctx context.Context, rng period.DateRange) (*float64, error)

	CountActiveUsers(ctx context.Context, rng period.DateRange) (int, error)
	CountNewCustomers(ctx context.Context, rng period.DateRange) (int, error)
	CountActiveManagers(ctx context.Context, rng period.DateRange) (int, error)
	ListAccountManagers(ctx context.Context) ([]model.AccountManager, error)
	ManagerOrderStats(ctx context.Context, managerID int64, rng period.DateRange) (int, decimal.Decimal, error)
	ListCustomers(ctx context.Context) ([]model.Customer, error)
	CustomerOrderCount(ctx context.Context, customerID int64, rng period.DateRange) (int, error)

	UpsertJobReportResult(ctx context.Context, res *model.JobReportResult) error
	UpsertOrderReportResult(ctx context.Context, res *model.OrderReportResult) error
	UpsertUserReportResult(ctx context.Context, res *model.UserReportResult) error
}

// Calculator вычисляет статистику отчётов и сохраняет снапшоты результатов.
type Calculator struct {
	repo Repository
}

// NewCalculator создаёт калькулятор статистики поверх указанного репозитория.
func NewCalculator(repo Repository) *Calculator {
	return &Calculator{repo: repo}
}

// Recompute заново вычисляет все применимые виды статистики отчёта и перезаписывает
// их снапшоты. Пересчёт идемпотентен: при неизменных данных повторный вызов
// приводит к тем же сохранённым значениям, вызывать его можно сколько угодно раз.
func (c *Calculator) Recompute(ctx context.Context, report *model.Report) error {
	rng, err := period.RangeForQuarters(report.QuarterFrom, report.YearFrom, report.QuarterTo, report.YearTo)
	if err != nil {
		return fmt.Errorf("resolve report range: %w", err)
	}

	if report.Type == model.ReportTypeJob || report.Type == model.ReportTypeCombined {
		if err := c.jobStatistics(ctx, report.ID, rng); err != nil {
			return fmt.Errorf("job statistics: %w", err)
		}
	}

	if report.Type == model.ReportTypeOrder || report.Type == model.ReportTypeCombined {
		if err := c.orderStatistics(ctx, report.ID, rng); err != nil {
			return fmt.Errorf("order statistics: %w", err)
		}
	}

	if report.Type == model.ReportTypeUser || report.Type == model.ReportTypeCombined {
		if err := c.userStatistics(ctx, report.ID, rng); err != nil {
			return fmt.Errorf("user statistics: %w", err)
		}
	}

	return nil
}

// jobStatistics собирает статистику заданий, стартовавших в периоде отчёта.
func (c *Calculator) jobStatistics(ctx context.Context, reportID int64, rng period.DateRange) error {
	total, err := c.repo.CountJobs(ctx, rng)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}

	byState, err := c.repo.CountJobsByState(ctx, rng)
	if err != nil {
		return fmt.Errorf("count jobs by state: %w", err)
	}

	// Средние времена по типам заданий: 0 при отсутствии завершённых заданий.
	avgRegular, err := c.repo.AvgJobCompletionDays(ctx, rng, model.JobTypeRegular)
	if err != nil {
		return fmt.Errorf("avg completion regular: %w", err)
	}

	avgWaferRun, err := c.repo.AvgJobCompletionDays(ctx, rng, model.JobTypeWaferRun)
	if err != nil {
		return fmt.Errorf("avg completion wafer_run: %w", err)
	}

	res := &model.JobReportResult{
		ReportID:                  reportID,
		TotalJobs:                 total,
		AvgCompletionTimeRegular:  avgRegular,
		AvgCompletionTimeWaferRun: avgWaferRun,
		JobsCreated:               byState[model.JobStateCreated],
		JobsActive:                byState[model.JobStateActive],
		JobsCompleted:             byState[model.JobStateCompleted],
		JobsFailed:                byState[model.JobStateFailed],
		JobsDelayed:               byState[model.JobStateDelayed],
	}

	if err := c.repo.UpsertJobReportResult(ctx, res); err != nil {
		return fmt.Errorf("upsert job result: %w", err)
	}

	return nil
}

// orderStatistics собирает статистику заказов, созданных в периоде отчёта.
func (c *Calculator) orderStatistics(ctx context.Context, reportID int64, rng period.DateRange) error {
	total, err := c.repo.CountOrders(ctx, rng)
	if err != nil {
		return fmt.Errorf("count orders: %w", err)
	}

	revenue, err := c.repo.SumOrderRevenue(ctx, rng)
	if err != nil {
		return fmt.Errorf("sum revenue: %w", err)
	}

	averageValue := decimal.Zero
	if total > 0 {
		averageValue = revenue.Div(decimal.NewFromInt(int64(total))).Round(2)
	}

	byStatus, err := c.repo.CountOrdersByStatus(ctx, rng)
	if err != nil {
		return fmt.Errorf("count orders by status: %w", err)
	}

	// Среднее время обработки остаётся NULL без завершённых заказов в периоде.
	avgProcessing, err := c.repo.AvgOrderProcessingDays(ctx, rng)
	if err != nil {
		return fmt.Errorf("avg processing days: %w", err)
	}

	res := &model.OrderReportResult{
		ReportID:          reportID,
		TotalOrders:       total,
		TotalRevenue:      revenue,
		AverageOrderValue: averageValue,
		OrdersDraft:       byStatus[model.OrderStatusDraft],
		OrdersSubmitted:   byStatus[model.OrderStatusSubmitted],
		OrdersInProgress:  byStatus[model.OrderStatusInProgress],
		OrdersCompleted:   byStatus[model.OrderStatusCompleted],
		OrdersCancelled:   byStatus[model.OrderStatusCancelled],
		AvgProcessingDays: avgProcessing,
	}

	if err := c.repo.UpsertOrderReportResult(ctx, res); err != nil {
		return fmt.Errorf("upsert order result: %w", err)
	}

	return nil
}

// userStatistics собирает активность пользователей и определяет лучших
// исполнителей по количеству заказов в периоде отчёта.
func (c *Calculator) userStatistics(ctx context.Context, reportID int64, rng period.DateRange) error {
	activeUsers, err := c.repo.CountActiveUsers(ctx, rng)
	if err != nil {
		return fmt.Errorf("count active users: %w", err)
	}

	newCustomers, err := c.repo.CountNewCustomers(ctx, rng)
	if err != nil {
		return fmt.Errorf("count new customers: %w", err)
	}

	activeManagers, err := c.repo.CountActiveManagers(ctx, rng)
	if err != nil {
		return fmt.Errorf("count active managers: %w", err)
	}

	res := &model.UserReportResult{
		ReportID:              reportID,
		TotalActiveUsers:      activeUsers,
		NewCustomers:          newCustomers,
		ActiveAccountManagers: activeManagers,
		TopManagerRevenue:     decimal.Zero,
	}

	if err := c.topManager(ctx, rng, res); err != nil {
		return err
	}
	if err := c.topCustomer(ctx, rng, res); err != nil {
		return err
	}

	if err := c.repo.UpsertUserReportResult(ctx, res); err != nil {
		return fmt.Errorf("upsert user result: %w", err)
	}

	return nil
}

// topManager выбирает менеджера со строго наибольшим числом заказов в периоде.
// Менеджеры обходятся в порядке возрастания id, поэтому при равенстве побеждает
// первый достигший счётчика; выручка в разрешении ничьих не участвует.
func (c *Calculator) topManager(ctx context.Context, rng period.DateRange, res *model.UserReportResult) error {
	managers, err := c.repo.ListAccountManagers(ctx)
	if err != nil {
		return fmt.Errorf("list managers: %w", err)
	}

	topOrders := 0
	topRevenue := decimal.Zero
	var topUserID *int64

	for _, m := range managers {
		count, revenue, err := c.repo.ManagerOrderStats(ctx, m.ID, rng)
		if err != nil {
			return fmt.Errorf("manager %d order stats: %w", m.ID, err)
		}

		if count > topOrders {
			userID := m.UserID
			topUserID = &userID
			topOrders = count
			topRevenue = revenue
		}
	}

	res.TopManagerUserID = topUserID
	res.TopManagerOrders = topOrders
	res.TopManagerRevenue = topRevenue

	return nil
}

// topCustomer выбирает клиента с наибольшим числом заказов в периоде по тем же
// правилам, что и topManager, но без учёта выручки.
func (c *Calculator) topCustomer(ctx context.Context, rng period.DateRange, res *model.UserReportResult) error {
	customers, err := c.repo.ListCustomers(ctx)
	if err != nil {
		return fmt.Errorf("list customers: %w", err)
	}

	topOrders := 0
	var topUserID *int64

	for _, cust := range customers {
		count, err := c.repo.CustomerOrderCount(ctx, cust.ID, rng)
		if err != nil {
			return fmt.Errorf("customer %d order count: %w", cust.ID, err)
		}

		if count > topOrders {
			userID := cust.UserID
			topUserID = &userID
			topOrders = count
		}
	}

	res.TopCustomerUserID = topUserID

	return nil
}

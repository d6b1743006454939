package stats

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mmeshcher/statreport-system/internal/model"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/shopspring/decimal"
)

type managerStat struct {
	orders  int
	revenue decimal.Decimal
}

type stubRepo struct {
	jobsTotal   int
	jobsByState map[model.JobState]int
	avgRegular  float64
	avgWaferRun float64

	ordersTotal    int
	revenue        decimal.Decimal
	ordersByStatus map[model.OrderStatus]int
	avgProcessing  *float64
	revenueErr     error

	activeUsers    int
	newCustomers   int
	activeManagers int
	managers       []model.AccountManager
	managerStats   map[int64]managerStat
	customers      []model.Customer
	customerOrders map[int64]int

	jobResults   []model.JobReportResult
	orderResults []model.OrderReportResult
	userResults  []model.UserReportResult
}

func (s *stubRepo) CountJobs(ctx context.Context, rng period.DateRange) (int, error) {
	return s.jobsTotal, nil
}

func (s *stubRepo) CountJobsByState(ctx context.Context, rng period.DateRange) (map[model.JobState]int, error) {
	return s.jobsByState, nil
}

func (s *stubRepo) AvgJobCompletionDays(ctx context.Context, rng period.DateRange, jobType model.JobType) (float64, error) {
	if jobType == model.JobTypeWaferRun {
		return s.avgWaferRun, nil
	}
	return s.avgRegular, nil
}

func (s *stubRepo) CountOrders(ctx context.Context, rng period.DateRange) (int, error) {
	return s.ordersTotal, nil
}

func (s *stubRepo) SumOrderRevenue(ctx context.Context, rng period.DateRange) (decimal.Decimal, error) {
	return s.revenue, s.revenueErr
}

func (s *stubRepo) CountOrdersByStatus(ctx context.Context, rng period.DateRange) (map[model.OrderStatus]int, error) {
	return s.ordersByStatus, nil
}

func (s *stubRepo) AvgOrderProcessingDays(ctx context.Context, rng period.DateRange) (*float64, error) {
	return s.avgProcessing, nil
}

func (s *stubRepo) CountActiveUsers(ctx context.Context, rng period.DateRange) (int, error) {
	return s.activeUsers, nil
}

func (s *stubRepo) CountNewCustomers(ctx context.Context, rng period.DateRange) (int, error) {
	return s.newCustomers, nil
}

func (s *stubRepo) CountActiveManagers(ctx context.Context, rng period.DateRange) (int, error) {
	return s.activeManagers, nil
}

func (s *stubRepo) ListAccountManagers(ctx context.Context) ([]model.AccountManager, error) {
	return s.managers, nil
}

func (s *stubRepo) ManagerOrderStats(ctx context.Context, managerID int64, rng period.DateRange) (int, decimal.Decimal, error) {
	st := s.managerStats[managerID]
	return st.orders, st.revenue, nil
}

func (s *stubRepo) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	return s.customers, nil
}

func (s *stubRepo) CustomerOrderCount(ctx context.Context, customerID int64, rng period.DateRange) (int, error) {
	return s.customerOrders[customerID], nil
}

func (s *stubRepo) UpsertJobReportResult(ctx context.Context, res *model.JobReportResult) error {
	s.jobResults = append(s.jobResults, *res)
	return nil
}

func (s *stubRepo) UpsertOrderReportResult(ctx context.Context, res *model.OrderReportResult) error {
	s.orderResults = append(s.orderResults, *res)
	return nil
}

func (s *stubRepo) UpsertUserReportResult(ctx context.Context, res *model.UserReportResult) error {
	s.userResults = append(s.userResults, *res)
	return nil
}

func q1Report(reportType model.ReportType) *model.Report {
	return &model.Report{
		ID:          7,
		Title:       "quarterly",
		Type:        reportType,
		QuarterFrom: period.Q1,
		YearFrom:    2024,
		QuarterTo:   period.Q1,
		YearTo:      2024,
	}
}

func TestRecompute_Dispatch(t *testing.T) {
	tests := []struct {
		reportType model.ReportType
		wantJob    int
		wantOrder  int
		wantUser   int
	}{
		{reportType: model.ReportTypeJob, wantJob: 1},
		{reportType: model.ReportTypeOrder, wantOrder: 1},
		{reportType: model.ReportTypeUser, wantUser: 1},
		{reportType: model.ReportTypeCombined, wantJob: 1, wantOrder: 1, wantUser: 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.reportType), func(t *testing.T) {
			repo := &stubRepo{}
			calc := NewCalculator(repo)

			if err := calc.Recompute(context.Background(), q1Report(tt.reportType)); err != nil {
				t.Fatalf("Recompute error: %v", err)
			}

			if len(repo.jobResults) != tt.wantJob {
				t.Fatalf("job upserts = %d, want %d", len(repo.jobResults), tt.wantJob)
			}
			if len(repo.orderResults) != tt.wantOrder {
				t.Fatalf("order upserts = %d, want %d", len(repo.orderResults), tt.wantOrder)
			}
			if len(repo.userResults) != tt.wantUser {
				t.Fatalf("user upserts = %d, want %d", len(repo.userResults), tt.wantUser)
			}
		})
	}
}

func TestRecompute_InvalidQuarterAbortsWithoutWrites(t *testing.T) {
	repo := &stubRepo{}
	calc := NewCalculator(repo)

	report := q1Report(model.ReportTypeCombined)
	report.QuarterTo = "Q9"

	err := calc.Recompute(context.Background(), report)
	if !errors.Is(err, period.ErrInvalidQuarter) {
		t.Fatalf("error = %v, want ErrInvalidQuarter", err)
	}
	if len(repo.jobResults)+len(repo.orderResults)+len(repo.userResults) != 0 {
		t.Fatalf("no result may be written for an invalid range")
	}
}

func TestJobStatistics(t *testing.T) {
	// Три завершённых regular-задания со временами 2, 4 и 6 дней дают среднее 4;
	// незавершённые wafer_run оставляют среднее равным нулю, не NULL.
	repo := &stubRepo{
		jobsTotal: 5,
		jobsByState: map[model.JobState]int{
			model.JobStateCompleted: 3,
			model.JobStateActive:    2,
		},
		avgRegular:  4.0,
		avgWaferRun: 0,
	}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeJob)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	want := model.JobReportResult{
		ReportID:                  7,
		TotalJobs:                 5,
		AvgCompletionTimeRegular:  4.0,
		AvgCompletionTimeWaferRun: 0,
		JobsCompleted:             3,
		JobsActive:                2,
	}
	if len(repo.jobResults) != 1 {
		t.Fatalf("job upserts = %d, want 1", len(repo.jobResults))
	}
	if got := repo.jobResults[0]; got != want {
		t.Fatalf("job result = %+v, want %+v", got, want)
	}
}

func TestOrderStatistics(t *testing.T) {
	repo := &stubRepo{
		ordersTotal: 2,
		revenue:     decimal.RequireFromString("150.00"),
		ordersByStatus: map[model.OrderStatus]int{
			model.OrderStatusCompleted: 1,
			model.OrderStatusDraft:     1,
		},
		avgProcessing: ptrFloat(3.5),
	}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeOrder)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	if len(repo.orderResults) != 1 {
		t.Fatalf("order upserts = %d, want 1", len(repo.orderResults))
	}

	got := repo.orderResults[0]
	if got.TotalOrders != 2 {
		t.Fatalf("TotalOrders = %d, want 2", got.TotalOrders)
	}
	if !got.TotalRevenue.Equal(decimal.RequireFromString("150.00")) {
		t.Fatalf("TotalRevenue = %s, want 150.00", got.TotalRevenue)
	}
	if !got.AverageOrderValue.Equal(decimal.RequireFromString("75.00")) {
		t.Fatalf("AverageOrderValue = %s, want 75.00", got.AverageOrderValue)
	}
	if got.OrdersCompleted != 1 || got.OrdersDraft != 1 {
		t.Fatalf("status counts = %+v", got)
	}
	if got.AvgProcessingDays == nil || *got.AvgProcessingDays != 3.5 {
		t.Fatalf("AvgProcessingDays = %v, want 3.5", got.AvgProcessingDays)
	}
}

func TestOrderStatisticsEmptyPeriod(t *testing.T) {
	// Без заказов выручка и средний чек равны нулю, а среднее время обработки
	// остаётся NULL, это намеренная асимметрия с нулями статистики заданий.
	repo := &stubRepo{revenue: decimal.Zero}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeOrder)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	got := repo.orderResults[0]
	if got.TotalOrders != 0 {
		t.Fatalf("TotalOrders = %d, want 0", got.TotalOrders)
	}
	if !got.TotalRevenue.Equal(decimal.Zero) || !got.AverageOrderValue.Equal(decimal.Zero) {
		t.Fatalf("revenue = %s, average = %s, want zeros", got.TotalRevenue, got.AverageOrderValue)
	}
	if got.AvgProcessingDays != nil {
		t.Fatalf("AvgProcessingDays = %v, want nil", *got.AvgProcessingDays)
	}
}

func TestTopManagerTieBreak(t *testing.T) {
	// При равном числе заказов побеждает менеджер, встреченный первым при обходе
	// по возрастанию id; выручка второго значения не имеет.
	repo := &stubRepo{
		managers: []model.AccountManager{
			{ID: 1, UserID: 101},
			{ID: 2, UserID: 102},
		},
		managerStats: map[int64]managerStat{
			1: {orders: 5, revenue: decimal.RequireFromString("100.00")},
			2: {orders: 5, revenue: decimal.RequireFromString("900.00")},
		},
	}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeUser)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	got := repo.userResults[0]
	if got.TopManagerUserID == nil || *got.TopManagerUserID != 101 {
		t.Fatalf("TopManagerUserID = %v, want 101", got.TopManagerUserID)
	}
	if got.TopManagerOrders != 5 {
		t.Fatalf("TopManagerOrders = %d, want 5", got.TopManagerOrders)
	}
	if !got.TopManagerRevenue.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("TopManagerRevenue = %s, want 100.00", got.TopManagerRevenue)
	}
}

func TestTopManagerStrictlyGreaterWins(t *testing.T) {
	repo := &stubRepo{
		managers: []model.AccountManager{
			{ID: 1, UserID: 101},
			{ID: 2, UserID: 102},
		},
		managerStats: map[int64]managerStat{
			1: {orders: 5, revenue: decimal.RequireFromString("500.00")},
			2: {orders: 6, revenue: decimal.RequireFromString("60.00")},
		},
		customers: []model.Customer{
			{ID: 11, UserID: 201},
			{ID: 12, UserID: 202},
		},
		customerOrders: map[int64]int{11: 2, 12: 4},
	}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeUser)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	got := repo.userResults[0]
	if got.TopManagerUserID == nil || *got.TopManagerUserID != 102 {
		t.Fatalf("TopManagerUserID = %v, want 102", got.TopManagerUserID)
	}
	if got.TopManagerOrders != 6 {
		t.Fatalf("TopManagerOrders = %d, want 6", got.TopManagerOrders)
	}
	if !got.TopManagerRevenue.Equal(decimal.RequireFromString("60.00")) {
		t.Fatalf("TopManagerRevenue = %s, want 60.00", got.TopManagerRevenue)
	}
	if got.TopCustomerUserID == nil || *got.TopCustomerUserID != 202 {
		t.Fatalf("TopCustomerUserID = %v, want 202", got.TopCustomerUserID)
	}
}

func TestUserStatisticsNoOrders(t *testing.T) {
	// Менеджеры и клиенты без заказов не становятся лучшими: поля остаются NULL.
	repo := &stubRepo{
		activeUsers:    3,
		newCustomers:   1,
		activeManagers: 2,
		managers: []model.AccountManager{
			{ID: 1, UserID: 101},
		},
		customers: []model.Customer{
			{ID: 11, UserID: 201},
		},
	}
	calc := NewCalculator(repo)

	if err := calc.Recompute(context.Background(), q1Report(model.ReportTypeUser)); err != nil {
		t.Fatalf("Recompute error: %v", err)
	}

	got := repo.userResults[0]
	if got.TotalActiveUsers != 3 || got.NewCustomers != 1 || got.ActiveAccountManagers != 2 {
		t.Fatalf("activity counts = %+v", got)
	}
	if got.TopManagerUserID != nil || got.TopCustomerUserID != nil {
		t.Fatalf("top fields must stay nil, got %+v", got)
	}
	if got.TopManagerOrders != 0 || !got.TopManagerRevenue.Equal(decimal.Zero) {
		t.Fatalf("top manager counters must stay zero, got %+v", got)
	}
}

func TestRecompute_Idempotent(t *testing.T) {
	repo := &stubRepo{
		jobsTotal:   4,
		jobsByState: map[model.JobState]int{model.JobStateCompleted: 4},
		avgRegular:  2.5,
		ordersTotal: 3,
		revenue:     decimal.RequireFromString("300.00"),
		ordersByStatus: map[model.OrderStatus]int{
			model.OrderStatusCompleted: 3,
		},
		avgProcessing: ptrFloat(1.25),
		managers: []model.AccountManager{
			{ID: 1, UserID: 101},
		},
		managerStats: map[int64]managerStat{
			1: {orders: 3, revenue: decimal.RequireFromString("300.00")},
		},
		customers: []model.Customer{
			{ID: 11, UserID: 201},
		},
		customerOrders: map[int64]int{11: 3},
	}
	calc := NewCalculator(repo)

	report := q1Report(model.ReportTypeCombined)
	if err := calc.Recompute(context.Background(), report); err != nil {
		t.Fatalf("first Recompute error: %v", err)
	}
	if err := calc.Recompute(context.Background(), report); err != nil {
		t.Fatalf("second Recompute error: %v", err)
	}

	if len(repo.jobResults) != 2 || len(repo.orderResults) != 2 || len(repo.userResults) != 2 {
		t.Fatalf("each kind must be upserted twice, got %d/%d/%d",
			len(repo.jobResults), len(repo.orderResults), len(repo.userResults))
	}
	if !reflect.DeepEqual(repo.jobResults[0], repo.jobResults[1]) {
		t.Fatalf("job snapshots differ: %+v vs %+v", repo.jobResults[0], repo.jobResults[1])
	}
	if !reflect.DeepEqual(repo.orderResults[0], repo.orderResults[1]) {
		t.Fatalf("order snapshots differ: %+v vs %+v", repo.orderResults[0], repo.orderResults[1])
	}
	if !reflect.DeepEqual(repo.userResults[0], repo.userResults[1]) {
		t.Fatalf("user snapshots differ: %+v vs %+v", repo.userResults[0], repo.userResults[1])
	}
}

func TestRecompute_AggregatorFailureAborts(t *testing.T) {
	// Сбой агрегатора заказов прерывает сохранение: снапшот заданий уже записан,
	// пользовательский не записан. Частичный результат сходится при следующем пересчёте.
	repo := &stubRepo{
		revenueErr: errors.New("connection reset"),
	}
	calc := NewCalculator(repo)

	err := calc.Recompute(context.Background(), q1Report(model.ReportTypeCombined))
	if err == nil {
		t.Fatalf("expected error from order aggregator")
	}
	if len(repo.jobResults) != 1 {
		t.Fatalf("job result must be written before the failure, got %d", len(repo.jobResults))
	}
	if len(repo.orderResults) != 0 || len(repo.userResults) != 0 {
		t.Fatalf("no further results may be written after the failure")
	}
}

func ptrFloat(v float64) *float64 {
	return &v
}

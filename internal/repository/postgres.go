// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/statreport-system/internal/model"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrReportNotFound возвращается, если отчёт с указанным идентификатором не найден.
var (
	ErrReportNotFound = errors.New("report not found")
	// ErrOrderNotFound возвращается, если заказ с указанным идентификатором не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrServiceNotFound возвращается, если услуга каталога не найдена.
	ErrServiceNotFound = errors.New("service not found")
	// ErrOrderReferenceInvalid возвращается, если заказ ссылается на несуществующего
	// клиента, менеджера или задание.
	ErrOrderReferenceInvalid = errors.New("order references unknown entity")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных сбоях: serialization failure,
// deadlock и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны для Serialization Failure или Deadlocks.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateReport сохраняет определение отчёта и заполняет ID и CreatedAt.
func (r *PostgresRepository) CreateReport(ctx context.Context, report *model.Report) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO reports (title, description, type, quarter_from, year_from, quarter_to, year_to, created_by, document_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		report.Title, report.Description, string(report.Type),
		string(report.QuarterFrom), report.YearFrom,
		string(report.QuarterTo), report.YearTo,
		report.CreatedBy, report.DocumentPath,
	).Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// UpdateReport обновляет заголовок, описание, вид и период существующего отчёта.
func (r *PostgresRepository) UpdateReport(ctx context.Context, report *model.Report) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE reports
		 SET title = $2, description = $3, type = $4, quarter_from = $5, year_from = $6, quarter_to = $7, year_to = $8
		 WHERE id = $1`,
		report.ID, report.Title, report.Description, string(report.Type),
		string(report.QuarterFrom), report.YearFrom,
		string(report.QuarterTo), report.YearTo,
	)
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// GetReport возвращает определение отчёта по идентификатору.
func (r *PostgresRepository) GetReport(ctx context.Context, id int64) (*model.Report, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, description, type, quarter_from, year_from, quarter_to, year_to, created_by, document_path, created_at
		 FROM reports
		 WHERE id = $1`,
		id,
	)

	var (
		rep         model.Report
		reportType  string
		quarterFrom string
		quarterTo   string
	)
	err := row.Scan(&rep.ID, &rep.Title, &rep.Description, &reportType,
		&quarterFrom, &rep.YearFrom, &quarterTo, &rep.YearTo,
		&rep.CreatedBy, &rep.DocumentPath, &rep.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("get report: %w", err)
	}

	rep.Type = model.ReportType(reportType)
	rep.QuarterFrom = period.Quarter(quarterFrom)
	rep.QuarterTo = period.Quarter(quarterTo)

	return &rep, nil
}

// ListReports возвращает все отчёты, начиная с последних созданных.
func (r *PostgresRepository) ListReports(ctx context.Context) ([]model.Report, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, type, quarter_from, year_from, quarter_to, year_to, created_by, document_path, created_at
		 FROM reports
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select reports: %w", err)
	}
	defer rows.Close()

	var reports []model.Report
	for rows.Next() {
		var (
			rep         model.Report
			reportType  string
			quarterFrom string
			quarterTo   string
		)
		err := rows.Scan(&rep.ID, &rep.Title, &rep.Description, &reportType,
			&quarterFrom, &rep.YearFrom, &quarterTo, &rep.YearTo,
			&rep.CreatedBy, &rep.DocumentPath, &rep.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}

		rep.Type = model.ReportType(reportType)
		rep.QuarterFrom = period.Quarter(quarterFrom)
		rep.QuarterTo = period.Quarter(quarterTo)

		reports = append(reports, rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reports, nil
}

// DeleteReport удаляет отчёт вместе со снапшотами результатов.
func (r *PostgresRepository) DeleteReport(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// SetReportDocument сохраняет ссылку на приложенный документ отчёта.
func (r *PostgresRepository) SetReportDocument(ctx context.Context, id int64, path string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE reports SET document_path = $2 WHERE id = $1`,
		id, path,
	)
	if err != nil {
		return fmt.Errorf("set report document: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// GetReportResults возвращает вычисленные снапшоты отчёта. Отсутствующий вид
// статистики остаётся nil.
func (r *PostgresRepository) GetReportResults(ctx context.Context, reportID int64) (model.ReportResults, error) {
	var results model.ReportResults

	var job model.JobReportResult
	err := r.pool.QueryRow(ctx,
		`SELECT report_id, total_jobs, avg_completion_time_regular, avg_completion_time_wafer_run, jobs_created, jobs_active, jobs_completed, jobs_failed, jobs_delayed
		 FROM job_report_results
		 WHERE report_id = $1`,
		reportID,
	).Scan(&job.ReportID, &job.TotalJobs, &job.AvgCompletionTimeRegular, &job.AvgCompletionTimeWaferRun,
		&job.JobsCreated, &job.JobsActive, &job.JobsCompleted, &job.JobsFailed, &job.JobsDelayed)
	if err == nil {
		results.Job = &job
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.ReportResults{}, fmt.Errorf("get job result: %w", err)
	}

	var order model.OrderReportResult
	err = r.pool.QueryRow(ctx,
		`SELECT report_id, total_orders, total_revenue, average_order_value, orders_draft, orders_submitted, orders_in_progress, orders_completed, orders_cancelled, avg_processing_time
		 FROM order_report_results
		 WHERE report_id = $1`,
		reportID,
	).Scan(&order.ReportID, &order.TotalOrders, &order.TotalRevenue, &order.AverageOrderValue,
		&order.OrdersDraft, &order.OrdersSubmitted, &order.OrdersInProgress, &order.OrdersCompleted,
		&order.OrdersCancelled, &order.AvgProcessingDays)
	if err == nil {
		results.Order = &order
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.ReportResults{}, fmt.Errorf("get order result: %w", err)
	}

	var user model.UserReportResult
	err = r.pool.QueryRow(ctx,
		`SELECT report_id, total_active_users, new_customers, active_account_managers, top_manager_user_id, top_customer_user_id, top_manager_orders, top_manager_revenue
		 FROM user_report_results
		 WHERE report_id = $1`,
		reportID,
	).Scan(&user.ReportID, &user.TotalActiveUsers, &user.NewCustomers, &user.ActiveAccountManagers,
		&user.TopManagerUserID, &user.TopCustomerUserID, &user.TopManagerOrders, &user.TopManagerRevenue)
	if err == nil {
		results.User = &user
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.ReportResults{}, fmt.Errorf("get user result: %w", err)
	}

	return results, nil
}

// CountJobs возвращает количество заданий, стартовавших в периоде.
func (r *PostgresRepository) CountJobs(ctx context.Context, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM jobs
		 WHERE started_at >= $1 AND started_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// CountJobsByState возвращает количество заданий периода в разрезе состояний.
// Состояния без заданий в карте отсутствуют.
func (r *PostgresRepository) CountJobsByState(ctx context.Context, rng period.DateRange) (map[model.JobState]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT state, COUNT(*)
		 FROM jobs
		 WHERE started_at >= $1 AND started_at < $2
		 GROUP BY state`,
		rng.Start, rng.EndExclusive(),
	)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[model.JobState(state)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return counts, nil
}

// AvgJobCompletionDays возвращает среднюю длительность исполнения завершённых
// заданий типа jobType в днях. Для периода без таких заданий возвращается 0.
func (r *PostgresRepository) AvgJobCompletionDays(ctx context.Context, rng period.DateRange, jobType model.JobType) (float64, error) {
	var avg float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(completion_days), 0)
		 FROM jobs
		 WHERE started_at >= $1 AND started_at < $2 AND state = $3 AND type = $4`,
		rng.Start, rng.EndExclusive(),
		string(model.JobStateCompleted), string(jobType),
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg completion days: %w", err)
	}
	return avg, nil
}

// CountOrders возвращает количество заказов, созданных в периоде.
func (r *PostgresRepository) CountOrders(ctx context.Context, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM orders
		 WHERE created_at >= $1 AND created_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// SumOrderRevenue возвращает суммарную стоимость заказов периода независимо от статуса.
func (r *PostgresRepository) SumOrderRevenue(ctx context.Context, rng period.DateRange) (decimal.Decimal, error) {
	var revenue decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_price), 0)
		 FROM orders
		 WHERE created_at >= $1 AND created_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&revenue)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum revenue: %w", err)
	}
	return revenue, nil
}

// CountOrdersByStatus возвращает количество заказов периода в разрезе статусов.
func (r *PostgresRepository) CountOrdersByStatus(ctx context.Context, rng period.DateRange) (map[model.OrderStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*)
		 FROM orders
		 WHERE created_at >= $1 AND created_at < $2
		 GROUP BY status`,
		rng.Start, rng.EndExclusive(),
	)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OrderStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[model.OrderStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return counts, nil
}

// AvgOrderProcessingDays возвращает среднее время от создания до завершения
// заказа в днях. Если в периоде нет завершённых заказов, возвращается nil.
func (r *PostgresRepository) AvgOrderProcessingDays(ctx context.Context, rng period.DateRange) (*float64, error) {
	var avg *float64
	err := r.pool.QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) / 86400.0)
		 FROM orders
		 WHERE created_at >= $1 AND created_at < $2 AND status = $3 AND completed_at IS NOT NULL`,
		rng.Start, rng.EndExclusive(), string(model.OrderStatusCompleted),
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("avg processing days: %w", err)
	}
	return avg, nil
}

// CountActiveUsers возвращает количество пользователей с активностью в периоде.
func (r *PostgresRepository) CountActiveUsers(ctx context.Context, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM users
		 WHERE last_activity_at >= $1 AND last_activity_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return count, nil
}

// CountNewCustomers возвращает количество клиентов, чьи учётные записи
// зарегистрированы в периоде.
func (r *PostgresRepository) CountNewCustomers(ctx context.Context, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM customers c
		 JOIN users u ON u.id = c.user_id
		 WHERE u.registered_at >= $1 AND u.registered_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count new customers: %w", err)
	}
	return count, nil
}

// CountActiveManagers возвращает количество аккаунт-менеджеров с активностью в периоде.
func (r *PostgresRepository) CountActiveManagers(ctx context.Context, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM account_managers m
		 JOIN users u ON u.id = m.user_id
		 WHERE u.last_activity_at >= $1 AND u.last_activity_at < $2`,
		rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active managers: %w", err)
	}
	return count, nil
}

// ListAccountManagers возвращает всех аккаунт-менеджеров в порядке возрастания id.
// Порядок фиксирует выбор лидера при равных количествах заказов.
func (r *PostgresRepository) ListAccountManagers(ctx context.Context) ([]model.AccountManager, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, is_active
		 FROM account_managers
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select managers: %w", err)
	}
	defer rows.Close()

	var managers []model.AccountManager
	for rows.Next() {
		var m model.AccountManager
		if err := rows.Scan(&m.ID, &m.UserID, &m.Active); err != nil {
			return nil, fmt.Errorf("scan manager: %w", err)
		}
		managers = append(managers, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return managers, nil
}

// ManagerOrderStats возвращает количество и суммарную стоимость заказов менеджера в периоде.
func (r *PostgresRepository) ManagerOrderStats(ctx context.Context, managerID int64, rng period.DateRange) (int, decimal.Decimal, error) {
	var count int
	var revenue decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_price), 0)
		 FROM orders
		 WHERE manager_id = $1 AND created_at >= $2 AND created_at < $3`,
		managerID, rng.Start, rng.EndExclusive(),
	).Scan(&count, &revenue)
	if err != nil {
		return 0, decimal.Decimal{}, fmt.Errorf("manager order stats: %w", err)
	}
	return count, revenue, nil
}

// ListCustomers возвращает всех клиентов в порядке возрастания id.
func (r *PostgresRepository) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, created_at
		 FROM customers
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()

	var customers []model.Customer
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return customers, nil
}

// CustomerOrderCount возвращает количество заказов клиента в периоде.
func (r *PostgresRepository) CustomerOrderCount(ctx context.Context, customerID int64, rng period.DateRange) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM orders
		 WHERE customer_id = $1 AND created_at >= $2 AND created_at < $3`,
		customerID, rng.Start, rng.EndExclusive(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("customer order count: %w", err)
	}
	return count, nil
}

// UpsertJobReportResult записывает снапшот статистики заданий. Повторная запись
// для того же отчёта перезаписывает существующую строку.
func (r *PostgresRepository) UpsertJobReportResult(ctx context.Context, res *model.JobReportResult) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO job_report_results
				(report_id, total_jobs, avg_completion_time_regular, avg_completion_time_wafer_run, jobs_created, jobs_active, jobs_completed, jobs_failed, jobs_delayed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (report_id) DO UPDATE SET
				total_jobs = EXCLUDED.total_jobs,
				avg_completion_time_regular = EXCLUDED.avg_completion_time_regular,
				avg_completion_time_wafer_run = EXCLUDED.avg_completion_time_wafer_run,
				jobs_created = EXCLUDED.jobs_created,
				jobs_active = EXCLUDED.jobs_active,
				jobs_completed = EXCLUDED.jobs_completed,
				jobs_failed = EXCLUDED.jobs_failed,
				jobs_delayed = EXCLUDED.jobs_delayed`,
			res.ReportID, res.TotalJobs, res.AvgCompletionTimeRegular, res.AvgCompletionTimeWaferRun,
			res.JobsCreated, res.JobsActive, res.JobsCompleted, res.JobsFailed, res.JobsDelayed,
		)
		if err != nil {
			return fmt.Errorf("upsert job result: %w", err)
		}
		return nil
	})
}

// UpsertOrderReportResult записывает снапшот статистики заказов.
func (r *PostgresRepository) UpsertOrderReportResult(ctx context.Context, res *model.OrderReportResult) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO order_report_results
				(report_id, total_orders, total_revenue, average_order_value, orders_draft, orders_submitted, orders_in_progress, orders_completed, orders_cancelled, avg_processing_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (report_id) DO UPDATE SET
				total_orders = EXCLUDED.total_orders,
				total_revenue = EXCLUDED.total_revenue,
				average_order_value = EXCLUDED.average_order_value,
				orders_draft = EXCLUDED.orders_draft,
				orders_submitted = EXCLUDED.orders_submitted,
				orders_in_progress = EXCLUDED.orders_in_progress,
				orders_completed = EXCLUDED.orders_completed,
				orders_cancelled = EXCLUDED.orders_cancelled,
				avg_processing_time = EXCLUDED.avg_processing_time`,
			res.ReportID, res.TotalOrders, res.TotalRevenue, res.AverageOrderValue,
			res.OrdersDraft, res.OrdersSubmitted, res.OrdersInProgress, res.OrdersCompleted,
			res.OrdersCancelled, res.AvgProcessingDays,
		)
		if err != nil {
			return fmt.Errorf("upsert order result: %w", err)
		}
		return nil
	})
}

// UpsertUserReportResult записывает снапшот активности пользователей.
func (r *PostgresRepository) UpsertUserReportResult(ctx context.Context, res *model.UserReportResult) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO user_report_results
				(report_id, total_active_users, new_customers, active_account_managers, top_manager_user_id, top_customer_user_id, top_manager_orders, top_manager_revenue)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (report_id) DO UPDATE SET
				total_active_users = EXCLUDED.total_active_users,
				new_customers = EXCLUDED.new_customers,
				active_account_managers = EXCLUDED.active_account_managers,
				top_manager_user_id = EXCLUDED.top_manager_user_id,
				top_customer_user_id = EXCLUDED.top_customer_user_id,
				top_manager_orders = EXCLUDED.top_manager_orders,
				top_manager_revenue = EXCLUDED.top_manager_revenue`,
			res.ReportID, res.TotalActiveUsers, res.NewCustomers, res.ActiveAccountManagers,
			res.TopManagerUserID, res.TopCustomerUserID, res.TopManagerOrders, res.TopManagerRevenue,
		)
		if err != nil {
			return fmt.Errorf("upsert user result: %w", err)
		}
		return nil
	})
}

// CreateOrder сохраняет новый заказ. При нулевом идентификаторе генерируется новый UUID.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (id, customer_id, manager_id, job_id, title, description, status, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING total_price, created_at, updated_at`,
		order.ID, order.CustomerID, order.ManagerID, order.JobID,
		order.Title, order.Description, string(order.Status), order.CompletedAt,
	).Scan(&order.TotalPrice, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: %s", ErrOrderReferenceInvalid, pgErr.ConstraintName)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, manager_id, job_id, title, description, status, total_price, created_at, updated_at, completed_at
		 FROM orders
		 WHERE id = $1`,
		id,
	)

	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.CustomerID, &o.ManagerID, &o.JobID, &o.Title, &o.Description,
		&status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.Status = model.OrderStatus(status)

	return &o, nil
}

// GetOrderItems возвращает позиции заказа в порядке добавления.
func (r *PostgresRepository) GetOrderItems(ctx context.Context, orderID uuid.UUID) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, service_id, quantity, price, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ServiceID, &it.Quantity, &it.Price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// AddOrderItem добавляет позицию в заказ и пересчитывает его сумму.
// Нулевая цена позиции заменяется текущей ценой услуги из каталога.
func (r *PostgresRepository) AddOrderItem(ctx context.Context, item *model.OrderItem) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if item.Price.IsZero() {
		err := tx.QueryRow(ctx,
			`SELECT price FROM services WHERE id = $1`,
			item.ServiceID,
		).Scan(&item.Price)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrServiceNotFound
			}
			return nil, fmt.Errorf("get service price: %w", err)
		}
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO order_items (order_id, service_id, quantity, price)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		item.OrderID, item.ServiceID, item.Quantity, item.Price,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if strings.Contains(pgErr.ConstraintName, "order_id") {
				return nil, ErrOrderNotFound
			}
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("insert order item: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE orders
		 SET total_price = (SELECT COALESCE(SUM(price * quantity), 0) FROM order_items WHERE order_id = $1),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING id, customer_id, manager_id, job_id, title, description, status, total_price, created_at, updated_at, completed_at`,
		item.OrderID,
	)

	var o model.Order
	var status string
	err = row.Scan(&o.ID, &o.CustomerID, &o.ManagerID, &o.JobID, &o.Title, &o.Description,
		&status, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("recalculate order total: %w", err)
	}
	o.Status = model.OrderStatus(status)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &o, nil
}

// UpdateOrderStatus переводит заказ в новый статус. Отметка времени завершения
// ставится один раз, при первом переходе в completed, и далее не меняется.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку заказа, чтобы параллельные переходы не затёрли completed_at.
	var completedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT completed_at FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	var row pgx.Row
	if status == model.OrderStatusCompleted && completedAt == nil {
		row = tx.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, completed_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING id, customer_id, manager_id, job_id, title, description, status, total_price, created_at, updated_at, completed_at`,
			id, string(status),
		)
	} else {
		row = tx.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, updated_at = now()
			 WHERE id = $1
			 RETURNING id, customer_id, manager_id, job_id, title, description, status, total_price, created_at, updated_at, completed_at`,
			id, string(status),
		)
	}

	var o model.Order
	var newStatus string
	err = row.Scan(&o.ID, &o.CustomerID, &o.ManagerID, &o.JobID, &o.Title, &o.Description,
		&newStatus, &o.TotalPrice, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	o.Status = model.OrderStatus(newStatus)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &o, nil
}

// JobForSync описывает задание, ожидающее сверки с системой исполнения.
type JobForSync struct {
	Number    string
	State     model.JobState
	StartedAt time.Time
}

// GetJobsForSync возвращает задания в незавершённых состояниях для опроса
// системы исполнения.
func (r *PostgresRepository) GetJobsForSync(ctx context.Context, limit int) ([]JobForSync, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, state, started_at
		 FROM jobs
		 WHERE state IN ($1, $2, $3)
		 ORDER BY started_at
		 LIMIT $4`,
		string(model.JobStateCreated),
		string(model.JobStateActive),
		string(model.JobStateDelayed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select jobs for sync: %w", err)
	}
	defer rows.Close()

	var res []JobForSync
	for rows.Next() {
		var (
			number    string
			state     string
			startedAt time.Time
		)
		if err := rows.Scan(&number, &state, &startedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		res = append(res, JobForSync{
			Number:    number,
			State:     model.JobState(state),
			StartedAt: startedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateJobExecution обновляет состояние задания по данным системы исполнения.
func (r *PostgresRepository) UpdateJobExecution(ctx context.Context, number string, state model.JobState, endedAt *time.Time, completionDays *float64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		if endedAt == nil {
			_, err := r.pool.Exec(ctx,
				`UPDATE jobs SET state = $2, updated_at = now() WHERE number = $1`,
				number, string(state),
			)
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			return nil
		}

		_, err := r.pool.Exec(ctx,
			`UPDATE jobs SET state = $2, ended_at = $3, completion_days = $4, updated_at = now() WHERE number = $1`,
			number, string(state), *endedAt, completionDays,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
}

// Package handler содержит HTTP-обработчики API сервиса статистической отчётности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/statreport-system/internal/model"
	"github.com/mmeshcher/statreport-system/internal/period"
	"github.com/mmeshcher/statreport-system/internal/repository"
	"github.com/mmeshcher/statreport-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SaveAndRecompute(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, id int64) (*model.Report, error)
	GetReportResults(ctx context.Context, reportID int64) (model.ReportResults, error)
	ListReports(ctx context.Context) ([]model.Report, error)
	DeleteReport(ctx context.Context, id int64) error
	AttachReportDocument(ctx context.Context, id int64, path string) error
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, []model.OrderItem, error)
	AddOrderItem(ctx context.Context, item *model.OrderItem) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса статистической отчётности.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type reportRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	QuarterFrom string `json:"quarter_from"`
	YearFrom    int    `json:"year_from"`
	QuarterTo   string `json:"quarter_to"`
	YearTo      int    `json:"year_to"`
	CreatedBy   *int64 `json:"created_by,omitempty"`
}

type jobResultResponse struct {
	TotalJobs                 int     `json:"total_jobs"`
	AvgCompletionTimeRegular  float64 `json:"avg_completion_time_regular"`
	AvgCompletionTimeWaferRun float64 `json:"avg_completion_time_wafer_run"`
	JobsCreated               int     `json:"jobs_created"`
	JobsActive                int     `json:"jobs_active"`
	JobsCompleted             int     `json:"jobs_completed"`
	JobsFailed                int     `json:"jobs_failed"`
	JobsDelayed               int     `json:"jobs_delayed"`
}

type orderResultResponse struct {
	TotalOrders       int             `json:"total_orders"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	AverageOrderValue decimal.Decimal `json:"average_order_value"`
	OrdersDraft       int             `json:"orders_draft"`
	OrdersSubmitted   int             `json:"orders_submitted"`
	OrdersInProgress  int             `json:"orders_in_progress"`
	OrdersCompleted   int             `json:"orders_completed"`
	OrdersCancelled   int             `json:"orders_cancelled"`
	// AvgProcessingTime сериализуется как null, если в периоде нет завершённых заказов.
	AvgProcessingTime *float64 `json:"avg_processing_time"`
}

type userResultResponse struct {
	TotalActiveUsers      int             `json:"total_active_users"`
	NewCustomers          int             `json:"new_customers"`
	ActiveAccountManagers int             `json:"active_account_managers"`
	TopManagerUserID      *int64          `json:"top_manager_user_id"`
	TopCustomerUserID     *int64          `json:"top_customer_user_id"`
	TopManagerOrders      int             `json:"top_manager_orders"`
	TopManagerRevenue     decimal.Decimal `json:"top_manager_revenue"`
}

type reportResponse struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type"`
	QuarterFrom  string `json:"quarter_from"`
	YearFrom     int    `json:"year_from"`
	QuarterTo    string `json:"quarter_to"`
	YearTo       int    `json:"year_to"`
	CreatedBy    *int64 `json:"created_by,omitempty"`
	DocumentPath string `json:"document_path,omitempty"`
	CreatedAt    string `json:"created_at"`

	JobResult   *jobResultResponse   `json:"job_result,omitempty"`
	OrderResult *orderResultResponse `json:"order_result,omitempty"`
	UserResult  *userResultResponse  `json:"user_result,omitempty"`
}

func newReportResponse(rep *model.Report, results model.ReportResults) reportResponse {
	resp := reportResponse{
		ID:           rep.ID,
		Title:        rep.Title,
		Description:  rep.Description,
		Type:         string(rep.Type),
		QuarterFrom:  string(rep.QuarterFrom),
		YearFrom:     rep.YearFrom,
		QuarterTo:    string(rep.QuarterTo),
		YearTo:       rep.YearTo,
		CreatedBy:    rep.CreatedBy,
		DocumentPath: rep.DocumentPath,
		CreatedAt:    rep.CreatedAt.Format(time.RFC3339),
	}

	if jr := results.Job; jr != nil {
		resp.JobResult = &jobResultResponse{
			TotalJobs:                 jr.TotalJobs,
			AvgCompletionTimeRegular:  jr.AvgCompletionTimeRegular,
			AvgCompletionTimeWaferRun: jr.AvgCompletionTimeWaferRun,
			JobsCreated:               jr.JobsCreated,
			JobsActive:                jr.JobsActive,
			JobsCompleted:             jr.JobsCompleted,
			JobsFailed:                jr.JobsFailed,
			JobsDelayed:               jr.JobsDelayed,
		}
	}

	if or := results.Order; or != nil {
		resp.OrderResult = &orderResultResponse{
			TotalOrders:       or.TotalOrders,
			TotalRevenue:      or.TotalRevenue,
			AverageOrderValue: or.AverageOrderValue,
			OrdersDraft:       or.OrdersDraft,
			OrdersSubmitted:   or.OrdersSubmitted,
			OrdersInProgress:  or.OrdersInProgress,
			OrdersCompleted:   or.OrdersCompleted,
			OrdersCancelled:   or.OrdersCancelled,
			AvgProcessingTime: or.AvgProcessingDays,
		}
	}

	if ur := results.User; ur != nil {
		resp.UserResult = &userResultResponse{
			TotalActiveUsers:      ur.TotalActiveUsers,
			NewCustomers:          ur.NewCustomers,
			ActiveAccountManagers: ur.ActiveAccountManagers,
			TopManagerUserID:      ur.TopManagerUserID,
			TopCustomerUserID:     ur.TopCustomerUserID,
			TopManagerOrders:      ur.TopManagerOrders,
			TopManagerRevenue:     ur.TopManagerRevenue,
		}
	}

	return resp
}

// CreateReport создаёт отчёт и синхронно вычисляет его статистику.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Title == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rep := &model.Report{
		Title:       req.Title,
		Description: req.Description,
		Type:        model.ReportType(req.Type),
		QuarterFrom: period.Quarter(req.QuarterFrom),
		YearFrom:    req.YearFrom,
		QuarterTo:   period.Quarter(req.QuarterTo),
		YearTo:      req.YearTo,
		CreatedBy:   req.CreatedBy,
	}

	if err := h.service.SaveAndRecompute(r.Context(), rep); err != nil {
		if errors.Is(err, service.ErrInvalidReportType) || errors.Is(err, period.ErrInvalidQuarter) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create report error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	results, err := h.service.GetReportResults(r.Context(), rep.ID)
	if err != nil {
		h.logger.Error("get report results error", zap.Error(err), zap.Int64("reportID", rep.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(newReportResponse(rep, results)); err != nil {
		h.logger.Error("encode report error", zap.Error(err))
	}
}

// UpdateReport обновляет определение отчёта и пересчитывает его статистику.
// Пересчёт происходит и при изменении одних только заголовка или описания.
func (h *Handler) UpdateReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Title == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rep := &model.Report{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Type:        model.ReportType(req.Type),
		QuarterFrom: period.Quarter(req.QuarterFrom),
		YearFrom:    req.YearFrom,
		QuarterTo:   period.Quarter(req.QuarterTo),
		YearTo:      req.YearTo,
		CreatedBy:   req.CreatedBy,
	}

	if err := h.service.SaveAndRecompute(r.Context(), rep); err != nil {
		if errors.Is(err, service.ErrInvalidReportType) || errors.Is(err, period.ErrInvalidQuarter) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, repository.ErrReportNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("update report error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	stored, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		h.logger.Error("get report error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	results, err := h.service.GetReportResults(r.Context(), id)
	if err != nil {
		h.logger.Error("get report results error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newReportResponse(stored, results)); err != nil {
		h.logger.Error("encode report error", zap.Error(err))
	}
}

// GetReport возвращает отчёт вместе с вычисленными снапшотами.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rep, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get report error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	results, err := h.service.GetReportResults(r.Context(), id)
	if err != nil {
		h.logger.Error("get report results error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newReportResponse(rep, results)); err != nil {
		h.logger.Error("encode report error", zap.Error(err))
	}
}

// ListReports возвращает все отчёты без снапшотов, начиная с последних созданных.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.service.ListReports(r.Context())
	if err != nil {
		h.logger.Error("list reports error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(reports) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]reportResponse, 0, len(reports))
	for i := range reports {
		resp = append(resp, newReportResponse(&reports[i], model.ReportResults{}))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode reports error", zap.Error(err))
	}
}

// DeleteReport удаляет отчёт вместе со снапшотами.
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteReport(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete report error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type documentRequest struct {
	DocumentPath string `json:"document_path"`
}

// AttachReportDocument сохраняет ссылку на документ отчёта без пересчёта статистики.
func (h *Handler) AttachReportDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.DocumentPath == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AttachReportDocument(r.Context(), id, req.DocumentPath); err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("attach document error", zap.Error(err), zap.Int64("reportID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type orderRequest struct {
	CustomerID  int64  `json:"customer_id"`
	ManagerID   int64  `json:"manager_id"`
	JobID       *int64 `json:"job_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type orderItemResponse struct {
	ID        int64           `json:"id"`
	ServiceID int64           `json:"service_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type orderResponse struct {
	ID          uuid.UUID       `json:"id"`
	CustomerID  int64           `json:"customer_id"`
	ManagerID   int64           `json:"manager_id"`
	JobID       *int64          `json:"job_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`

	Items []orderItemResponse `json:"items,omitempty"`
}

func newOrderResponse(o *model.Order, items []model.OrderItem) orderResponse {
	resp := orderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		ManagerID:   o.ManagerID,
		JobID:       o.JobID,
		Title:       o.Title,
		Description: o.Description,
		Status:      string(o.Status),
		TotalPrice:  o.TotalPrice,
		CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   o.UpdatedAt.Format(time.RFC3339),
	}

	if o.CompletedAt != nil {
		s := o.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}

	for _, it := range items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:        it.ID,
			ServiceID: it.ServiceID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		})
	}

	return resp
}

// CreateOrder создаёт новый заказ.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CustomerID <= 0 || req.ManagerID <= 0 || req.Title == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order := &model.Order{
		CustomerID:  req.CustomerID,
		ManagerID:   req.ManagerID,
		JobID:       req.JobID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.OrderStatus(req.Status),
	}

	if err := h.service.CreateOrder(r.Context(), order); err != nil {
		if errors.Is(err, service.ErrInvalidOrderStatus) || errors.Is(err, repository.ErrOrderReferenceInvalid) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(newOrderResponse(order, nil)); err != nil {
		h.logger.Error("encode order error", zap.Error(err))
	}
}

// GetOrder возвращает заказ вместе с позициями.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, items, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("orderID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newOrderResponse(order, items)); err != nil {
		h.logger.Error("encode order error", zap.Error(err))
	}
}

type orderItemRequest struct {
	ServiceID int64           `json:"service_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price,omitempty"`
}

// AddOrderItem добавляет позицию в заказ и возвращает заказ с пересчитанной суммой.
// Если цена не указана, фиксируется текущая цена услуги из каталога.
func (h *Handler) AddOrderItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req orderItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item := &model.OrderItem{
		OrderID:   id,
		ServiceID: req.ServiceID,
		Quantity:  req.Quantity,
		Price:     req.Price,
	}

	order, err := h.service.AddOrderItem(r.Context(), item)
	if err != nil {
		if errors.Is(err, service.ErrInvalidQuantity) || errors.Is(err, repository.ErrServiceNotFound) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("add order item error", zap.Error(err), zap.String("orderID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newOrderResponse(order, nil)); err != nil {
		h.logger.Error("encode order error", zap.Error(err))
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus переводит заказ в новый статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), id, model.OrderStatus(req.Status))
	if err != nil {
		if errors.Is(err, service.ErrInvalidOrderStatus) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("update order status error", zap.Error(err), zap.String("orderID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newOrderResponse(order, nil)); err != nil {
		h.logger.Error("encode order error", zap.Error(err))
	}
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/orchestrator"
	"github.com/halcyon-dev/courier/internal/repository"
	"github.com/halcyon-dev/courier/internal/scheduler"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

// Dispatcher is the orchestrator surface the HTTP layer consumes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req orchestrator.Request) (*domain.Notification, error)
	RetryPending(ctx context.Context) (int, error)
}

// StatsSource exposes the scheduler's runtime counters.
type StatsSource interface {
	Stats() scheduler.Stats
}

type NotificationHandler struct {
	dispatcher    Dispatcher
	notifications repository.NotificationRepository
	deliveries    repository.DeliveryRepository
	stats         StatsSource
}

func NewNotificationHandler(
	dispatcher Dispatcher,
	notifications repository.NotificationRepository,
	deliveries repository.DeliveryRepository,
	stats StatsSource,
) (*NotificationHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}

	return &NotificationHandler{
		dispatcher:    dispatcher,
		notifications: notifications,
		deliveries:    deliveries,
		stats:         stats,
	}, nil
}

func RegisterNotificationRoutes(
	router fiber.Router,
	dispatcher Dispatcher,
	notifications repository.NotificationRepository,
	deliveries repository.DeliveryRepository,
	stats StatsSource,
) error {
	h, err := NewNotificationHandler(dispatcher, notifications, deliveries, stats)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.DispatchNotification)
	v1.Get("/notifications/stats", h.GetStats)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Post("/notifications/retry", h.RetryPending)

	return nil
}

type dispatchRequest struct {
	IdempotencyKey *string                   `json:"idempotencyKey"`
	Intent         string                    `json:"intent"`
	Urgency        string                    `json:"urgency"`
	Mode           string                    `json:"mode"`
	Target         string                    `json:"target"`
	RecipientID    *string                   `json:"recipientId"`
	Content        map[string]domain.Content `json:"content"`
	Channels       []string                  `json:"channels"`
	ScheduledAt    *time.Time                `json:"scheduledAt"`
	SLA            *domain.SLA               `json:"sla"`
}

type attemptResponse struct {
	Ordinal           int        `json:"attempt"`
	Status            string     `json:"status"`
	ErrorCode         *string    `json:"errorCode,omitempty"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

type deliveryResponse struct {
	ID            string            `json:"id"`
	Channel       string            `json:"channel"`
	Destination   string            `json:"destination"`
	Status        string            `json:"status"`
	Attempts      []attemptResponse `json:"attempts"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	Receipt       *domain.Receipt   `json:"receipt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type notificationResponse struct {
	ID             string                    `json:"id"`
	IdempotencyKey *string                   `json:"idempotencyKey,omitempty"`
	Intent         string                    `json:"intent"`
	Urgency        string                    `json:"urgency"`
	Mode           string                    `json:"mode"`
	Target         string                    `json:"target"`
	Content        map[string]domain.Content `json:"content,omitempty"`
	Channels       []string                  `json:"channels"`
	Status         string                    `json:"status"`
	ScheduledAt    *time.Time                `json:"scheduledAt,omitempty"`
	Deliveries     []deliveryResponse        `json:"deliveries,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt,omitempty"`
	UpdatedAt      time.Time                 `json:"updatedAt,omitempty"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type statsResponse struct {
	Notifications []statusCountItem `json:"notifications"`
	Scheduler     *scheduler.Stats  `json:"scheduler,omitempty"`
}

type statusCountItem struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (h *NotificationHandler) DispatchNotification(c *fiber.Ctx) error {
	var req dispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	dispatchReq, err := toDispatchRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	notification, err := h.dispatcher.Dispatch(c.Context(), dispatchReq)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(notification, nil))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	notification, err := h.notifications.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	deliveries, err := h.deliveries.GetByNotification(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification, deliveries))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.notifications.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i], nil))
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) GetStats(c *fiber.Ctx) error {
	counts, err := h.notifications.CountByStatus(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]statusCountItem, 0, len(counts))
	for _, count := range counts {
		items = append(items, statusCountItem{
			Status: count.Status.String(),
			Count:  count.Count,
		})
	}

	resp := statsResponse{Notifications: items}
	if h.stats != nil {
		stats := h.stats.Stats()
		resp.Scheduler = &stats
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotificationHandler) RetryPending(c *fiber.Ctx) error {
	retried, err := h.dispatcher.RetryPending(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"retried": retried,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawTarget := strings.TrimSpace(c.Query("target")); rawTarget != "" {
		params.Target = &rawTarget
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseNotificationStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toDispatchRequest(req dispatchRequest) (orchestrator.Request, error) {
	out := orchestrator.Request{
		IdempotencyKey: req.IdempotencyKey,
		Intent:         strings.TrimSpace(req.Intent),
		Target:         strings.TrimSpace(req.Target),
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		ScheduledAt:    req.ScheduledAt,
		SLA:            req.SLA,
	}

	if raw := strings.TrimSpace(req.Urgency); raw != "" {
		urgency, err := domain.ParseUrgencyFromString(raw)
		if err != nil {
			return orchestrator.Request{}, err
		}
		out.Urgency = urgency
	}

	if raw := strings.TrimSpace(req.Mode); raw != "" {
		mode, err := domain.ParseModeFromString(raw)
		if err != nil {
			return orchestrator.Request{}, err
		}
		out.Mode = mode
	}

	for _, raw := range req.Channels {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return orchestrator.Request{}, err
		}
		out.Channels = append(out.Channels, channel)
	}

	return out, nil
}

func toNotificationResponse(n *domain.Notification, deliveries []domain.Delivery) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	channels := make([]string, 0, len(n.Channels))
	for _, ch := range n.Channels {
		channels = append(channels, ch.String())
	}

	resp := notificationResponse{
		ID:             n.ID,
		IdempotencyKey: n.IdempotencyKey,
		Intent:         n.Intent,
		Urgency:        n.Urgency.String(),
		Mode:           n.Mode.String(),
		Target:         n.Target,
		Content:        n.Content,
		Channels:       channels,
		Status:         n.Status.String(),
		ScheduledAt:    n.ScheduledAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}

	for i := range deliveries {
		resp.Deliveries = append(resp.Deliveries, toDeliveryResponse(&deliveries[i]))
	}

	return resp
}

func toDeliveryResponse(d *domain.Delivery) deliveryResponse {
	resp := deliveryResponse{
		ID:            d.ID,
		Channel:       d.Channel.String(),
		Destination:   d.Destination,
		Status:        d.Status.String(),
		Attempts:      make([]attemptResponse, 0, len(d.Attempts)),
		LastAttemptAt: d.LastAttemptAt,
		Receipt:       d.Receipt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}

	for _, a := range d.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Ordinal:           a.Ordinal,
			Status:            a.Status.String(),
			ErrorCode:         a.ErrorCode,
			ErrorMessage:      a.ErrorMessage,
			ProviderMessageID: a.ProviderMessageID,
			StartedAt:         a.StartedAt,
			EndedAt:           a.EndedAt,
		})
	}

	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

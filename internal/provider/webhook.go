// Package provider implements channel handlers backed by HTTP webhook
// vendors. Each instance adapts one vendor endpoint to the channel.Handler
// contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/halcyon-dev/courier/internal/channel"
	"github.com/halcyon-dev/courier/internal/domain"
)

const defaultSendTimeout = 10 * time.Second

type webhookRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body"`
}

// WebhookProvider delivers one channel's traffic to an HTTP vendor endpoint.
type WebhookProvider struct {
	name     domain.Channel
	client   *resty.Client
	endpoint string
}

func NewWebhookProvider(name domain.Channel, endpoint string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(name, endpoint, client)
}

func NewWebhookProviderWithClient(name domain.Channel, endpoint string, client *resty.Client) (*WebhookProvider, error) {
	if !name.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, name)
	}
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", domain.ErrValidation)
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %v", domain.ErrValidation, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: resty client is required", domain.ErrValidation)
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	// Retrying is the delivery executor's concern, never the transport's.
	client.SetRetryCount(0)

	return &WebhookProvider{
		name:     name,
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *WebhookProvider) Name() domain.Channel { return p.name }

func (p *WebhookProvider) Send(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
	if p == nil || p.client == nil {
		return nil, &channel.SendError{Reason: channel.FailureNoProvider, Message: "provider is not initialized"}
	}
	if strings.TrimSpace(target.Address) == "" {
		return nil, &channel.SendError{Reason: channel.FailureInvalidTarget, Message: "target address is required"}
	}

	reqBody := webhookRequest{
		To:      target.Address,
		Channel: strings.ToLower(p.name.String()),
		Title:   payload.Title,
		Body:    payload.Body,
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		reason := channel.FailureNetworkError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = channel.FailureTimeout
		}
		return nil, &channel.SendError{
			Reason:  reason,
			Message: "provider request failed",
			Cause:   err,
		}
	}
	if response == nil {
		return nil, &channel.SendError{Reason: channel.FailureProviderError, Message: "provider returned empty response"}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &channel.SendResult{
			Status:            domain.DeliveryDelivered,
			ProviderMessageID: providerMessageID(response),
			RawResponse:       responseBody,
		}, nil
	}

	return nil, &channel.SendError{
		Reason:     reasonForStatus(statusCode),
		StatusCode: statusCode,
		Message:    failureMessage(statusCode, responseBody),
	}
}

// HealthCheck probes the vendor endpoint; any response at all counts as
// reachable, server errors count as down.
func (p *WebhookProvider) HealthCheck(ctx context.Context) channel.HealthStatus {
	start := time.Now()
	response, err := p.client.R().SetContext(ctx).Head(p.endpoint)
	latency := time.Since(start)

	if err != nil {
		return channel.HealthStatus{Healthy: false, Latency: latency, Error: err.Error()}
	}

	healthy := response.StatusCode() < http.StatusInternalServerError
	status := channel.HealthStatus{
		Healthy: healthy,
		Latency: latency,
		Metadata: map[string]string{
			"statusCode": fmt.Sprintf("%d", response.StatusCode()),
		},
	}
	if !healthy {
		status.Error = fmt.Sprintf("endpoint returned status %d", response.StatusCode())
	}
	return status
}

func reasonForStatus(statusCode int) channel.FailureReason {
	switch {
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return channel.FailureInvalidTarget
	case statusCode == http.StatusForbidden:
		return channel.FailureConsentBlocked
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusRequestEntityTooLarge:
		return channel.FailurePayloadReject
	case statusCode == http.StatusTooManyRequests:
		return channel.FailureRateLimited
	case statusCode == http.StatusServiceUnavailable:
		return channel.FailureThrottled
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return channel.FailureProviderError
	default:
		return channel.FailureUnknown
	}
}

func failureMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

package transport

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/halcyon-dev/courier/internal/observability"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Use(RequestID())

	var gotID string
	app.Get("/", func(c *fiber.Ctx) error {
		id, ok := observability.CorrelationIDFromContext(c.UserContext())
		if !ok {
			t.Error("correlation id missing from context")
		}
		gotID = id
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if gotID == "" {
		t.Fatal("expected a generated request id")
	}
	if header := resp.Header.Get(RequestIDHeader); header != gotID {
		t.Errorf("response header = %q, want %q", header, gotID)
	}
}

func TestRequestIDHonorsCallerHeader(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		id, _ := observability.CorrelationIDFromContext(c.UserContext())
		return c.SendString(id)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "caller-supplied" {
		t.Errorf("correlation id = %q, want caller-supplied", body)
	}
}

func TestErrorHandlerShapesResponse(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "bad input")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var body map[string]string
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "bad input" {
		t.Errorf("error = %q, want bad input", body["error"])
	}
}

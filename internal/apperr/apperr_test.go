package apperr

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestErrorBodiesEncodeStatusAndMessage(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(c *fiber.Ctx) error
		wantStatus int
	}{
		{"bad request", func(c *fiber.Ctx) error { return BadRequest(c, "malformed tile URI") }, fiber.StatusBadRequest},
		{"not found", func(c *fiber.Ctx) error { return NotFound(c, "datasource unknown") }, fiber.StatusNotFound},
		{"internal", func(c *fiber.Ctx) error { return Internal(c, "boom") }, fiber.StatusInternalServerError},
		{"timeout", func(c *fiber.Ctx) error { return Timeout(c, "deadline exceeded") }, fiber.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/x", tt.handler)

			req := httptest.NewRequest("GET", "/x", nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			var body Body
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("response body is not the {status,message} envelope: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("body.Status = %d, want %d", body.Status, tt.wantStatus)
			}
			if body.Message == "" {
				t.Error("expected a non-empty message")
			}
		})
	}
}

func TestCacheMissTerminalRespondsNoContent(t *testing.T) {
	app := fiber.New()
	app.Get("/miss", func(c *fiber.Ctx) error { return CacheMissTerminal(c) })

	req := httptest.NewRequest("GET", "/miss", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "max-age=0" {
		t.Errorf("Cache-Control = %q, want max-age=0", got)
	}
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestTaxIDSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123.456.789-09", "78909"},
		{"12.345.678/0001-95", "00195"},
		{"123", "123"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := TaxIDSuffix(tt.in); got != tt.want {
				t.Errorf("TaxIDSuffix(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTemplateGenerator(t *testing.T) {
	msg, err := TemplateGenerator{}.Generate(context.Background(), MessageContext{
		CustomerName: "Maria",
		InvoiceCount: 2,
		MaxAgeDays:   5,
		TotalAmount:  decimal.RequireFromString("150.5"),
		TaxIDSuffix:  "78909",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"Maria", "2 faturas", "R$ 150,50", "em atraso há 5 dias", "78909"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
}

func TestDescribeAge(t *testing.T) {
	tests := map[int]string{
		-3: "vence em 3 dias",
		-1: "vence amanhã",
		0:  "vence hoje",
		1:  "em atraso há 1 dia",
		7:  "em atraso há 7 dias",
	}
	for age, want := range tests {
		if got := describeAge(age); got != want {
			t.Errorf("describeAge(%d) = %q, want %q", age, got, want)
		}
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, zap.NewNop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestMessageGenerator_Success(t *testing.T) {
	var gotPrompt string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token")
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) == 2 {
			gotPrompt = req.Messages[1].Content
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Olá João, sua fatura venceu.  "},"finish_reason":"stop"}]}`))
	})

	g := NewMessageGenerator(c, zap.NewNop())
	msg, err := g.Generate(context.Background(), MessageContext{CustomerName: "João", InvoiceCount: 1, TotalAmount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != "Olá João, sua fatura venceu." {
		t.Errorf("expected trimmed message, got %q", msg)
	}
	if !strings.Contains(gotPrompt, "Cliente: João") {
		t.Errorf("prompt should carry the customer name, got %q", gotPrompt)
	}
}

func TestMessageGenerator_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"   "}}]}`))
	})

	_, err := NewMessageGenerator(c, zap.NewNop()).Generate(context.Background(), MessageContext{})
	if err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestMessageGenerator_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	})

	_, err := NewMessageGenerator(c, zap.NewNop()).Generate(context.Background(), MessageContext{})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected API error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError in chain, got %T", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !apiErr.Temporary() {
		t.Errorf("429 should be temporary, got %+v", apiErr)
	}
}

func TestClient_NonJSONFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.Complete(context.Background(), "s", "u")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", apiErr.StatusCode)
	}
}

func TestClient_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})

	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected an error for an empty choice list")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without API key")
	}
}

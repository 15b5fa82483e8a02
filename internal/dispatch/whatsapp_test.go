package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWhatsAppChannel_Payload(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"sent","id":"wamid.1"}`))
	}))
	defer srv.Close()

	ch := NewWhatsAppChannel(WhatsAppConfig{URL: srv.URL, Token: "tok", Instance: "cobranca"}, zap.NewNop())

	rule := uuid.New()
	msg := &Message{
		Phone:      "5511987654321",
		Text:       "Olá Maria",
		InvoiceID:  uuid.New(),
		CustomerID: uuid.New(),
		RuleID:     &rule,
	}
	raw, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"sent","id":"wamid.1"}`, string(raw))

	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "5511987654321", got["phoneNumber"])
	assert.Equal(t, "Olá Maria", got["messageText"])
	assert.Equal(t, rule.String(), got["rule_id"])
	assert.Equal(t, msg.CustomerID.String(), got["cliente_id"])
	assert.Equal(t, msg.InvoiceID.String(), got["fatura_id"])
	assert.Equal(t, "tok", got["token"])
	assert.Equal(t, "cobranca", got["instance"])
	assert.NotContains(t, got, "lote_id")
}

func TestWhatsAppChannel_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		wantReason string
	}{
		{"2xx without error", 200, `{"ok":true}`, false, ""},
		{"2xx empty body", 204, ``, false, ""},
		{"2xx null error", 200, `{"error":null}`, false, ""},
		{"2xx false error", 200, `{"error":false}`, false, ""},
		{"2xx with error string", 200, `{"error":"número não existe"}`, true, "número não existe"},
		{"2xx with error object", 200, `{"error":{"message":"session closed"}}`, true, "session closed"},
		{"4xx message only", 422, `{"message":"invalid phone"}`, true, "invalid phone"},
		{"5xx error wins over message", 500, `{"error":"boom","message":"ignored"}`, true, "boom"},
		{"5xx non json", 502, `bad gateway`, true, genericFailure},
		{"4xx empty object", 400, `{}`, true, genericFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ch := NewWhatsAppChannel(WhatsAppConfig{URL: srv.URL}, zap.NewNop())
			raw, err := ch.Send(context.Background(), &Message{Phone: "5511900000000", Text: "x"})

			require.True(t, json.Valid(raw), "stored response must be valid JSON: %q", raw)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}

			var de *DeliveryError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.status, de.StatusCode)
			assert.Equal(t, tt.wantReason, de.Reason)
		})
	}
}

func TestWhatsAppChannel_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ch := NewWhatsAppChannel(WhatsAppConfig{URL: url}, zap.NewNop())
	_, err := ch.Send(context.Background(), &Message{Phone: "5511900000000", Text: "x"})
	require.Error(t, err)

	var de *DeliveryError
	assert.False(t, errors.As(err, &de))
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned when the generator produced only whitespace
var ErrEmptyMessage = errors.New("generator returned an empty message")

// MessageContext is what a generator knows about one customer in a batch
type MessageContext struct {
	CustomerName string
	InvoiceCount int
	MaxAgeDays   int
	TotalAmount  decimal.Decimal
	TaxIDSuffix  string
}

// TaxIDSuffix keeps the last five digits of a CPF/CNPJ so the full
// document never leaves the system
func TaxIDSuffix(taxID string) string {
	var digits []rune
	for _, r := range taxID {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) > 5 {
		digits = digits[len(digits)-5:]
	}
	return string(digits)
}

const messageSystemPrompt = `Você escreve lembretes de cobrança curtos para WhatsApp em português do Brasil.
Seja cordial e objetivo, sem markdown, sem emojis em excesso e com no máximo 400 caracteres.
Nunca invente valores, datas ou dados do cliente além dos fornecidos.`

// MessageGenerator writes dunning messages with the chat-completions API
type MessageGenerator struct {
	client *Client
	logger *zap.Logger
}

func NewMessageGenerator(client *Client, logger *zap.Logger) *MessageGenerator {
	return &MessageGenerator{client: client, logger: logger}
}

// Generate returns one message for the customer described by mc
func (g *MessageGenerator) Generate(ctx context.Context, mc MessageContext) (string, error) {
	text, err := g.client.Complete(ctx, messageSystemPrompt, userPrompt(mc))
	if err != nil {
		return "", fmt.Errorf("generate message: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

func userPrompt(mc MessageContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cliente: %s\n", mc.CustomerName)
	fmt.Fprintf(&b, "Faturas em aberto neste lote: %d\n", mc.InvoiceCount)
	fmt.Fprintf(&b, "Valor total: R$ %s\n", formatBRL(mc.TotalAmount))
	fmt.Fprintf(&b, "Situação: %s\n", describeAge(mc.MaxAgeDays))
	if mc.TaxIDSuffix != "" {
		fmt.Fprintf(&b, "Documento (final): %s\n", mc.TaxIDSuffix)
	}
	b.WriteString("Escreva a mensagem de cobrança.")
	return b.String()
}

// TemplateGenerator produces a fixed message when no AI key is configured
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, mc MessageContext) (string, error) {
	name := strings.TrimSpace(mc.CustomerName)
	if name == "" {
		name = "cliente"
	}

	noun := "fatura"
	if mc.InvoiceCount != 1 {
		noun = "faturas"
	}

	msg := fmt.Sprintf("Olá %s, identificamos %d %s no valor total de R$ %s (%s).",
		name, mc.InvoiceCount, noun, formatBRL(mc.TotalAmount), describeAge(mc.MaxAgeDays))
	if mc.TaxIDSuffix != "" {
		msg += fmt.Sprintf(" Documento final %s.", mc.TaxIDSuffix)
	}
	msg += " Caso já tenha efetuado o pagamento, por favor desconsidere esta mensagem."
	return msg, nil
}

func describeAge(age int) string {
	switch {
	case age < -1:
		return fmt.Sprintf("vence em %d dias", -age)
	case age == -1:
		return "vence amanhã"
	case age == 0:
		return "vence hoje"
	case age == 1:
		return "em atraso há 1 dia"
	default:
		return fmt.Sprintf("em atraso há %d dias", age)
	}
}

func formatBRL(d decimal.Decimal) string {
	return strings.Replace(d.StringFixed(2), ".", ",", 1)
}

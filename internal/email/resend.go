package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/nyashahama/course-checkout-backend/internal/catalog"
)

// DefaultEndpoint is the Resend send-email API.
const DefaultEndpoint = "https://api.resend.com/emails"

// resendClient is the concrete Sender backed by the Resend API.
type resendClient struct {
	apiKey     string
	fromAddr   string // e.g. "contato@curso.com.br"
	fromName   string // e.g. "Curso"
	endpoint   string
	httpClient *http.Client
}

// Option customises the Resend client.
type Option func(*resendClient)

// WithEndpoint overrides the API endpoint. Used by tests to point at an
// httptest server.
func WithEndpoint(url string) Option {
	return func(c *resendClient) { c.endpoint = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *resendClient) { c.httpClient = hc }
}

// NewResendClient returns a Sender that delivers email via Resend.
func NewResendClient(apiKey, fromAddr, fromName string, opts ...Option) Sender {
	c := &resendClient{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: DefaultEndpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Name       string `json:"name"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

// ─── SENDER IMPLEMENTATION ────────────────────────────────────────────────────

// SendPurchaseConfirmation sends the welcome email with the paid amount.
func (c *resendClient) SendPurchaseConfirmation(ctx context.Context, p PurchaseConfirmationParams) error {
	subject := "Compra confirmada"
	if p.ProductName != "" {
		subject = fmt.Sprintf("Compra confirmada: %s", p.ProductName)
	}

	amount := catalog.FormatBRL(p.AmountMinor)
	if p.PaymentMethod == string(catalog.PaymentMethodCard) && p.Installments > 1 {
		amount = fmt.Sprintf("%s em %dx", amount, p.Installments)
	}

	return c.send(ctx, p.To, subject, purchaseConfirmationHTML(p.Name, p.ProductName, amount))
}

// SendPaymentFailed sends the failed-payment email with a retry link.
func (c *resendClient) SendPaymentFailed(ctx context.Context, p PaymentFailedParams) error {
	subject := "Não conseguimos processar seu pagamento"
	return c.send(ctx, p.To, subject, paymentFailedHTML(p.ProductName, p.Reason, p.RetryURL))
}

// ─── HTTP SEND ────────────────────────────────────────────────────────────────

func (c *resendClient) send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("email: recipient is empty")
	}

	reqBody := resendRequest{
		From:    fmt.Sprintf("%s <%s>", c.fromName, c.fromAddr),
		To:      []string{to},
		Subject: subject,
		HTML:    body,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("email: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("email: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("email: read response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return fmt.Errorf("email: unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if parsed.Error != nil {
		return fmt.Errorf("email: Resend error %s: %s", parsed.Error.Name, parsed.Error.Message)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}

	return nil
}

// ─── HTML TEMPLATES ───────────────────────────────────────────────────────────

func purchaseConfirmationHTML(name, product, amount string) string {
	greeting := "Olá"
	if name != "" {
		greeting = "Olá " + html.EscapeString(name)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Pagamento confirmado</h2>
  <p>%s,</p>
  <p>Recebemos seu pagamento de <strong>%s</strong> referente a
  <strong>%s</strong>. Em instantes você receberá os dados de acesso ao curso
  e o convite para o grupo VIP.</p>
  <p style="color: #6b7280; font-size: 14px;">
    Em caso de dúvidas, basta responder este e-mail.
  </p>
</body>
</html>`, greeting, html.EscapeString(amount), html.EscapeString(product))
}

func paymentFailedHTML(product, reason, retryURL string) string {
	detail := ""
	if reason != "" {
		detail = fmt.Sprintf(`<p style="color: #6b7280;">Motivo informado: %s</p>`, html.EscapeString(reason))
	}
	button := ""
	if retryURL != "" {
		button = fmt.Sprintf(`<p style="margin: 32px 0;">
    <a href="%s"
       style="background: #0f172a; color: #ffffff; padding: 12px 24px;
              border-radius: 6px; text-decoration: none; font-weight: 600;">
      Tentar novamente
    </a>
  </p>`, html.EscapeString(retryURL))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">Pagamento não aprovado</h2>
  <p>Não conseguimos concluir o pagamento de <strong>%s</strong>.</p>
  %s
  %s
</body>
</html>`, html.EscapeString(product), detail, button)
}

package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	ReturnURL  string
	HTTPClient *http.Client
}

func NewClient(shopID, secretKey, returnURL string) *Client {
	return &Client{
		ShopID:     shopID,
		SecretKey:  secretKey,
		APIURL:     "https://api.yookassa.ru/v3",
		ReturnURL:  returnURL,
		HTTPClient: defaultHTTPClient(),
	}
}

// CreatePayment registers a redirect payment. idempotenceKey makes repeated
// calls for the same record return the same payment.
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, amount, currency, description string, metadata map[string]string) (*PaymentResponse, error) {
	reqBody := CreatePaymentRequest{
		Amount: Amount{
			Value:    amount,
			Currency: currency,
		},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: c.ReturnURL,
		},
		Description: description,
		Metadata:    metadata,
	}

	var payment PaymentResponse
	if err := c.do(ctx, http.MethodPost, "/payments", idempotenceKey, reqBody, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	var payment PaymentResponse
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), "", nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotenceKey string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if idempotenceKey != "" {
		req.Header.Set("Idempotence-Key", idempotenceKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa request failed: %w", apperr.FromTransport(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", apperr.Wrap(apperr.ErrTransient, err))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("yookassa %s %s: %w", method, endpoint, apperr.FromHTTPStatus(resp.StatusCode, respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// YooKassa is the card Gateway.
type YooKassa struct {
	client *Client
}

func NewYooKassa(client *Client) *YooKassa {
	return &YooKassa{client: client}
}

func (y *YooKassa) Method() models.PaymentMethod { return models.MethodCard }

func (y *YooKassa) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	amount, currency := req.Plan.Price(models.MethodCard)
	key := uuid.NewSHA1(uuid.NameSpaceOID, []byte("yookassa-payment-"+strconv.FormatUint(uint64(req.PaymentID), 10))).String()

	resp, err := y.client.CreatePayment(ctx, key,
		fmt.Sprintf("%.2f", amount), currency,
		fmt.Sprintf("VPN subscription: %s", req.Plan.Name),
		map[string]string{
			"payment_record_id": strconv.FormatUint(uint64(req.PaymentID), 10),
			"telegram_id":       strconv.FormatInt(req.TelegramID, 10),
			"plan_id":           req.Plan.ID,
		})
	if err != nil {
		return Invoice{}, err
	}
	if resp.Confirmation.ConfirmationURL == "" {
		return Invoice{}, fmt.Errorf("yookassa payment %s has no confirmation url: %w", resp.ID, apperr.ErrRejected)
	}

	return Invoice{
		InvoiceID: resp.ID,
		PayURL:    resp.Confirmation.ConfirmationURL,
		Amount:    amount,
		Currency:  currency,
	}, nil
}

func (y *YooKassa) GetStatus(ctx context.Context, invoiceID string) (Status, error) {
	resp, err := y.client.GetPayment(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	return yookassaStatus(resp.Status), nil
}

func yookassaStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusConfirmed
	case "canceled":
		return StatusFailed
	default:
		// pending, waiting_for_capture
		return StatusPending
	}
}

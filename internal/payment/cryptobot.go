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

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
)

const (
	CryptoBotMainnetURL = "https://pay.crypt.bot/api"
	CryptoBotTestnetURL = "https://testnet-pay.crypt.bot/api"

	cryptoInvoiceTTL = 3600
)

type CryptoBotClient struct {
	Token      string
	APIURL     string
	HTTPClient *http.Client
}

func NewCryptoBotClient(token string, testnet bool) *CryptoBotClient {
	apiURL := CryptoBotMainnetURL
	if testnet {
		apiURL = CryptoBotTestnetURL
	}
	return &CryptoBotClient{
		Token:      token,
		APIURL:     apiURL,
		HTTPClient: defaultHTTPClient(),
	}
}

func (c *CryptoBotClient) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*CryptoInvoice, error) {
	var inv CryptoInvoice
	if err := c.call(ctx, http.MethodPost, "/createInvoice", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *CryptoBotClient) GetInvoice(ctx context.Context, invoiceID string) (*CryptoInvoice, error) {
	var list cryptoInvoiceList
	if err := c.call(ctx, http.MethodGet, "/getInvoices?invoice_ids="+url.QueryEscape(invoiceID), nil, &list); err != nil {
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("crypto invoice %s: %w", invoiceID, apperr.ErrNotFound)
	}
	return &list.Items[0], nil
}

func (c *CryptoBotClient) call(ctx context.Context, method, endpoint string, body, out any) error {
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
	req.Header.Set("Crypto-Pay-API-Token", c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("cryptobot request failed: %w", apperr.FromTransport(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", apperr.Wrap(apperr.ErrTransient, err))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cryptobot %s: %w", endpoint, apperr.FromHTTPStatus(resp.StatusCode, respBody))
	}

	envelope := cryptoEnvelope[json.RawMessage]{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !envelope.OK {
		name := "unknown error"
		if envelope.Error != nil {
			name = envelope.Error.Name
		}
		return fmt.Errorf("cryptobot %s: %s: %w", endpoint, name, apperr.ErrRejected)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// CryptoBot is the crypto Gateway.
type CryptoBot struct {
	client     *CryptoBotClient
	paidBtnURL string
}

// NewCryptoBot builds the gateway. paidBtnURL is where the "paid" button in
// the invoice leads, usually the bot's t.me link; empty disables the button.
func NewCryptoBot(client *CryptoBotClient, paidBtnURL string) *CryptoBot {
	return &CryptoBot{client: client, paidBtnURL: paidBtnURL}
}

func (c *CryptoBot) Method() models.PaymentMethod { return models.MethodCrypto }

func (c *CryptoBot) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	amount, asset := req.Plan.Price(models.MethodCrypto)
	body := CreateInvoiceRequest{
		Asset:       asset,
		Amount:      fmt.Sprintf("%.2f", amount),
		Description: fmt.Sprintf("VPN subscription: %s", req.Plan.Name),
		Payload:     strconv.FormatUint(uint64(req.PaymentID), 10),
		ExpiresIn:   cryptoInvoiceTTL,
	}
	if c.paidBtnURL != "" {
		body.PaidBtnName = "callback"
		body.PaidBtnURL = c.paidBtnURL
	}

	inv, err := c.client.CreateInvoice(ctx, body)
	if err != nil {
		return Invoice{}, err
	}

	payURL := inv.BotInvoiceURL
	if payURL == "" {
		payURL = inv.PayURL
	}
	return Invoice{
		InvoiceID: strconv.FormatInt(inv.InvoiceID, 10),
		PayURL:    payURL,
		Amount:    amount,
		Currency:  asset,
	}, nil
}

func (c *CryptoBot) GetStatus(ctx context.Context, invoiceID string) (Status, error) {
	inv, err := c.client.GetInvoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	return cryptoStatus(inv.Status), nil
}

func cryptoStatus(s string) Status {
	switch s {
	case "paid":
		return StatusConfirmed
	case "expired":
		return StatusExpired
	default:
		// active
		return StatusPending
	}
}

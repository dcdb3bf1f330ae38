package payment

// YooKassa wire structures.

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`       // For redirect
	ConfirmationURL string `json:"confirmation_url,omitempty"` // From response
}

type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type PaymentResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type WebhookNotification struct {
	Type   string        `json:"type"`
	Event  string        `json:"event"`
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   Amount            `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// Crypto Pay API wire structures.

type cryptoEnvelope[T any] struct {
	OK     bool         `json:"ok"`
	Result T            `json:"result"`
	Error  *cryptoError `json:"error,omitempty"`
}

type cryptoError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type CreateInvoiceRequest struct {
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Payload        string `json:"payload,omitempty"`
	PaidBtnName    string `json:"paid_btn_name,omitempty"`
	PaidBtnURL     string `json:"paid_btn_url,omitempty"`
	AllowComments  bool   `json:"allow_comments"`
	AllowAnonymous bool   `json:"allow_anonymous"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
}

type CryptoInvoice struct {
	InvoiceID     int64  `json:"invoice_id"`
	Hash          string `json:"hash"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	PayURL        string `json:"pay_url"`
	BotInvoiceURL string `json:"bot_invoice_url"`
	Payload       string `json:"payload"`
}

type cryptoInvoiceList struct {
	Items []CryptoInvoice `json:"items"`
}

// CryptoBotUpdate is the body of a Crypto Pay webhook.
type CryptoBotUpdate struct {
	UpdateID   int64         `json:"update_id"`
	UpdateType string        `json:"update_type"`
	Payload    CryptoInvoice `json:"payload"`
}

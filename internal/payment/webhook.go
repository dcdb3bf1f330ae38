package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	YooKassaEventSucceeded = "payment.succeeded"
	YooKassaEventCanceled  = "payment.canceled"

	CryptoBotInvoicePaid = "invoice_paid"
	// CryptoBotSignatureHeader carries the hex HMAC of the raw body.
	CryptoBotSignatureHeader = "crypto-pay-api-signature"
)

func ParseYooKassaNotification(body []byte) (WebhookNotification, error) {
	var n WebhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return WebhookNotification{}, fmt.Errorf("decode yookassa notification: %w", err)
	}
	if n.Object.ID == "" {
		return WebhookNotification{}, fmt.Errorf("yookassa notification without payment id")
	}
	return n, nil
}

// VerifyCryptoBotSignature checks signature against HMAC-SHA256 of body keyed
// with SHA256(token).
func VerifyCryptoBotSignature(token string, body []byte, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func ParseCryptoBotUpdate(body []byte) (CryptoBotUpdate, error) {
	var u CryptoBotUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return CryptoBotUpdate{}, fmt.Errorf("decode cryptobot update: %w", err)
	}
	return u, nil
}

package flow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"regionvpn-bot/internal/models"
)

// Intent is one decoded user event. The set is closed: only the types in
// this file implement it.
type Intent interface {
	intent()
}

// Start opens the plan menu. /start and /subscribe both restart the flow.
type Start struct{}

type SelectPlan struct {
	PlanID string
}

type SelectMethod struct {
	Method models.PaymentMethod
}

// ConfirmPayment is the "I paid" button of a specific payment record.
type ConfirmPayment struct {
	PaymentID uint
}

type SelectPackage struct {
	SubscriptionID uint
	PackageID      string
}

type Cancel struct{}

type Help struct{}

type ListSubscriptions struct{}

func (Start) intent()             {}
func (SelectPlan) intent()        {}
func (SelectMethod) intent()      {}
func (ConfirmPayment) intent()    {}
func (SelectPackage) intent()     {}
func (Cancel) intent()            {}
func (Help) intent()              {}
func (ListSubscriptions) intent() {}

var ErrUnknownIntent = errors.New("unknown intent")

const (
	prefixPlan    = "plan"
	prefixMethod  = "method"
	prefixPay     = "pay"
	prefixPackage = "pkg"

	dataCancel = "cancel"
	dataMenu   = "menu"
	dataSubs   = "subs"
	dataHelp   = "help"
)

// Callback data encoders. Telegram limits callback data to 64 bytes, which
// catalog ids are validated against.

func PlanData(planID string) string { return prefixPlan + ":" + planID }

func MethodData(method models.PaymentMethod) string { return prefixMethod + ":" + string(method) }

func PayData(paymentID uint) string { return fmt.Sprintf("%s:%d", prefixPay, paymentID) }

func PackageData(subID uint, packageID string) string {
	return fmt.Sprintf("%s:%d:%s", prefixPackage, subID, packageID)
}

func CancelData() string { return dataCancel }

func MenuData() string { return dataMenu }

func SubscriptionsData() string { return dataSubs }

func HelpData() string { return dataHelp }

// DecodeCallback parses inline button data.
func DecodeCallback(data string) (Intent, error) {
	switch data {
	case dataCancel:
		return Cancel{}, nil
	case dataMenu:
		return Start{}, nil
	case dataSubs:
		return ListSubscriptions{}, nil
	case dataHelp:
		return Help{}, nil
	}

	prefix, rest, ok := strings.Cut(data, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, data)
	}

	switch prefix {
	case prefixPlan:
		return SelectPlan{PlanID: rest}, nil
	case prefixMethod:
		method, err := models.ParsePaymentMethod(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnknownIntent, err)
		}
		return SelectMethod{Method: method}, nil
	case prefixPay:
		id, err := parseID(rest)
		if err != nil {
			return nil, err
		}
		return ConfirmPayment{PaymentID: id}, nil
	case prefixPackage:
		rawSub, pkg, ok := strings.Cut(rest, ":")
		if !ok || pkg == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, data)
		}
		id, err := parseID(rawSub)
		if err != nil {
			return nil, err
		}
		return SelectPackage{SubscriptionID: id, PackageID: pkg}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, data)
}

// DecodeCommand maps a bot command name, without the slash, to an intent.
func DecodeCommand(command string) (Intent, error) {
	switch strings.ToLower(command) {
	case "start", "subscribe":
		return Start{}, nil
	case "cancel":
		return Cancel{}, nil
	case "help":
		return Help{}, nil
	case "my_subscriptions", "subscriptions":
		return ListSubscriptions{}, nil
	}
	return nil, fmt.Errorf("%w: /%s", ErrUnknownIntent, command)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad id %q", ErrUnknownIntent, s)
	}
	return uint(id), nil
}

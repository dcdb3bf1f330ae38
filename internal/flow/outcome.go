package flow

import (
	"regionvpn-bot/internal/models"
)

// OutcomeKind tells the transport what to render. Raw backend errors never
// reach it.
type OutcomeKind string

const (
	OutcomeMenu          OutcomeKind = "menu"
	OutcomeChooseMethod  OutcomeKind = "choose_method"
	OutcomeInvoice       OutcomeKind = "invoice"
	OutcomeNotYetPaid    OutcomeKind = "not_yet_paid"
	OutcomePaymentFailed OutcomeKind = "payment_failed"
	OutcomeChoosePackage OutcomeKind = "choose_package"
	OutcomeProvisioned   OutcomeKind = "provisioned"
	OutcomeCancelled     OutcomeKind = "cancelled"
	OutcomeHelp          OutcomeKind = "help"
	OutcomeSubscriptions OutcomeKind = "subscriptions"

	OutcomeNotFound          OutcomeKind = "not_found"
	OutcomeInvalidTransition OutcomeKind = "invalid_transition"
	OutcomeRetryLater        OutcomeKind = "retry_later"
	OutcomeSwitchMethod      OutcomeKind = "switch_method"
	OutcomeContactSupport    OutcomeKind = "contact_support"
)

// Outcome is the renderable result of one event. Only the fields relevant
// to Kind are set.
type Outcome struct {
	Kind OutcomeKind
	// Step is the flow step after the event.
	Step Step

	Plans         []models.DurationPlan
	Plan          *models.DurationPlan
	Methods       []models.PaymentMethod
	Payment       *models.PaymentRecord
	Subscription  *models.Subscription
	Packages      []models.RegionPackage
	Subscriptions []models.Subscription
	// Reference is quoted to support and logged next to the cause.
	Reference string
}

// Delivery is an outcome produced outside the user's own conversation, by a
// payment webhook.
type Delivery struct {
	TelegramID int64
	Outcome    Outcome
}

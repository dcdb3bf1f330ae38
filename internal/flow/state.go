// Package flow is the per-user purchase conversation: duration, payment
// method, payment, region package. Each user has one explicit State record;
// events are decoded into Intents at the transport boundary and applied by
// the Machine.
package flow

import (
	"time"

	"regionvpn-bot/internal/models"
)

type Step string

const (
	StepIdle                Step = "idle"
	StepDurationChosen      Step = "duration_chosen"
	StepPaymentMethodChosen Step = "payment_method_chosen"
	StepAwaitingPayment     Step = "awaiting_payment"
	StepRegionChosen        Step = "region_chosen"
	StepDone                Step = "done"
	StepCancelled           Step = "cancelled"
)

// State is the transient flow context of one user. The zero value is Idle.
type State struct {
	Step           Step                 `json:"step"`
	PlanID         string               `json:"plan_id,omitempty"`
	Method         models.PaymentMethod `json:"method,omitempty"`
	PaymentID      uint                 `json:"payment_id,omitempty"`
	SubscriptionID uint                 `json:"subscription_id,omitempty"`
	PackageID      string               `json:"package_id,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func (s State) current() Step {
	if s.Step == "" {
		return StepIdle
	}
	return s.Step
}

// canChoosePlan reports whether a duration may be picked. A flow with an
// outstanding invoice or an unpackaged subscription must be interrupted first.
func (s State) canChoosePlan() bool {
	switch s.current() {
	case StepAwaitingPayment, StepRegionChosen:
		return false
	}
	return true
}

func (s State) canChooseMethod() bool {
	switch s.current() {
	case StepDurationChosen, StepPaymentMethodChosen, StepAwaitingPayment:
		return true
	}
	return false
}

// interrupted returns the state after cancel or help. Only an outstanding
// invoice survives, as Cancelled, so a late payment can still be claimed from
// the old button. Restart always goes back to Idle.
func (s State) interrupted() State {
	switch s.current() {
	case StepAwaitingPayment:
		return State{Step: StepCancelled, PlanID: s.PlanID, Method: s.Method, PaymentID: s.PaymentID}
	case StepCancelled:
		return s
	default:
		return State{Step: StepIdle}
	}
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"regionvpn-bot/internal/apperr"
	"regionvpn-bot/internal/models"
	"regionvpn-bot/internal/payment"
	"regionvpn-bot/internal/provisioning"
)

type Repository interface {
	EnsureUser(ctx context.Context, telegramID int64, username, firstName string) (models.User, error)
	OfferedPlan(ctx context.Context, id string) (models.DurationPlan, error)
	Plans(ctx context.Context, ids ...string) ([]models.DurationPlan, error)
	Package(ctx context.Context, id string) (models.RegionPackage, error)
	OfferedPackage(ctx context.Context, id string) (models.RegionPackage, error)
	Packages(ctx context.Context, ids ...string) ([]models.RegionPackage, error)
	CreatePayment(ctx context.Context, rec *models.PaymentRecord) error
	AttachInvoice(ctx context.Context, id uint, invoiceID, payURL string) error
	SetPaymentStatus(ctx context.Context, id uint, status models.PaymentStatus, from ...models.PaymentStatus) (bool, error)
	Payment(ctx context.Context, id uint) (models.PaymentRecord, error)
	PaymentByInvoice(ctx context.Context, method models.PaymentMethod, invoiceID string) (models.PaymentRecord, error)
	ConfirmPayment(ctx context.Context, paymentID uint, confirmedAt time.Time) (models.Subscription, bool, error)
	Subscription(ctx context.Context, id uint) (models.Subscription, error)
	SubscriptionsByUser(ctx context.Context, userID uint, limit int) ([]models.Subscription, error)
}

type Gateways interface {
	Get(method models.PaymentMethod) (payment.Gateway, error)
	Methods() []models.PaymentMethod
}

type Provisioner interface {
	Provision(ctx context.Context, subID uint, pkg models.RegionPackage) (provisioning.Result, error)
}

// User identifies the sender of an event.
type User struct {
	TelegramID int64
	Username   string
	FirstName  string
}

type Options struct {
	// StatusTimeout bounds each gateway call.
	StatusTimeout time.Duration
	// ListLimit caps /my_subscriptions.
	ListLimit int
}

type Machine struct {
	repo        Repository
	gateways    Gateways
	provisioner Provisioner
	store       Store
	locks       *userLocks
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

func NewMachine(repo Repository, gateways Gateways, provisioner Provisioner, store Store, opts Options, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 15 * time.Second
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 10
	}
	return &Machine{
		repo:        repo,
		gateways:    gateways,
		provisioner: provisioner,
		store:       store,
		locks:       newUserLocks(),
		opts:        opts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies one intent of u. Events of the same user are serialized;
// on error the stored state is left as it was.
func (m *Machine) Handle(ctx context.Context, u User, in Intent) Outcome {
	unlock := m.locks.lock(u.TelegramID)
	defer unlock()

	log := m.logger.With(zap.Int64("telegram_id", u.TelegramID), zap.String("intent", fmt.Sprintf("%T", in)))

	user, err := m.repo.EnsureUser(ctx, u.TelegramID, u.Username, u.FirstName)
	if err != nil {
		return m.fail(log, State{}, err)
	}
	st, err := m.store.Load(ctx, u.TelegramID)
	if err != nil {
		return m.fail(log, State{}, err)
	}

	next, out, err := m.apply(ctx, log, user, st, in)
	if err != nil {
		return m.fail(log, st, err)
	}

	if err := m.save(ctx, u.TelegramID, next); err != nil {
		return m.fail(log, st, err)
	}
	out.Step = next.current()
	return out
}

func (m *Machine) apply(ctx context.Context, log *zap.Logger, user models.User, st State, in Intent) (State, Outcome, error) {
	switch in := in.(type) {
	case Start:
		plans, err := m.repo.Plans(ctx)
		if err != nil {
			return st, Outcome{}, err
		}
		return State{Step: StepIdle}, Outcome{Kind: OutcomeMenu, Plans: plans}, nil
	case Cancel:
		return st.interrupted(), Outcome{Kind: OutcomeCancelled}, nil
	case Help:
		return st.interrupted(), Outcome{Kind: OutcomeHelp}, nil
	case ListSubscriptions:
		return m.listSubscriptions(ctx, user, st)
	case SelectPlan:
		return m.selectPlan(ctx, st, in.PlanID)
	case SelectMethod:
		return m.selectMethod(ctx, log, user, st, in.Method)
	case ConfirmPayment:
		return m.confirmPayment(ctx, log, user, st, in.PaymentID)
	case SelectPackage:
		return m.selectPackage(ctx, log, user, st, in)
	}
	return st, Outcome{}, fmt.Errorf("%w: %T", ErrUnknownIntent, in)
}

func (m *Machine) listSubscriptions(ctx context.Context, user models.User, st State) (State, Outcome, error) {
	subs, err := m.repo.SubscriptionsByUser(ctx, user.ID, m.opts.ListLimit)
	if err != nil {
		return st, Outcome{}, err
	}
	packages, err := m.repo.Packages(ctx)
	if err != nil {
		return st, Outcome{}, err
	}

	// retired packages are still named on the subscriptions bound to them
	offered := make(map[string]bool, len(packages))
	for _, p := range packages {
		offered[p.ID] = true
	}
	var retired []string
	for _, s := range subs {
		if s.PackageID != "" && !offered[s.PackageID] {
			offered[s.PackageID] = true
			retired = append(retired, s.PackageID)
		}
	}
	if len(retired) > 0 {
		old, err := m.repo.Packages(ctx, retired...)
		if err != nil {
			return st, Outcome{}, err
		}
		packages = append(packages, old...)
	}
	return st, Outcome{Kind: OutcomeSubscriptions, Subscriptions: subs, Packages: packages}, nil
}

func (m *Machine) selectPlan(ctx context.Context, st State, planID string) (State, Outcome, error) {
	if !st.canChoosePlan() {
		return st, Outcome{}, fmt.Errorf("choose plan in %s: %w", st.current(), apperr.ErrInvalidTransition)
	}
	plan, err := m.repo.OfferedPlan(ctx, planID)
	if err != nil {
		return st, Outcome{}, err
	}
	methods := m.gateways.Methods()
	if len(methods) == 0 {
		return st, Outcome{}, fmt.Errorf("no payment method configured: %w", apperr.ErrGatewayUnavailable)
	}

	next := State{Step: StepDurationChosen, PlanID: plan.ID}
	return next, Outcome{Kind: OutcomeChooseMethod, Plan: &plan, Methods: methods}, nil
}

func (m *Machine) selectMethod(ctx context.Context, log *zap.Logger, user models.User, st State, method models.PaymentMethod) (State, Outcome, error) {
	if !st.canChooseMethod() {
		return st, Outcome{}, fmt.Errorf("choose payment method in %s: %w", st.current(), apperr.ErrInvalidTransition)
	}
	plan, err := m.repo.OfferedPlan(ctx, st.PlanID)
	if err != nil {
		return st, Outcome{}, err
	}

	// An open or paid invoice of this flow is reused instead of duplicated.
	if st.PaymentID != 0 {
		prev, err := m.repo.Payment(ctx, st.PaymentID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return st, Outcome{}, err
		}
		switch {
		case err != nil:
		case prev.Status == models.PaymentPending:
			next := st
			next.Step = StepAwaitingPayment
			return next, Outcome{Kind: OutcomeInvoice, Plan: &plan, Payment: &prev}, nil
		case prev.Status == models.PaymentConfirmed:
			return m.activate(ctx, log, st, prev)
		}
	}

	gw, err := m.gateways.Get(method)
	if err != nil {
		return st, Outcome{}, err
	}

	amount, currency := plan.Price(method)
	rec := models.PaymentRecord{
		UserID:   user.ID,
		PlanID:   plan.ID,
		Method:   method,
		Amount:   amount,
		Currency: currency,
	}
	if err := m.repo.CreatePayment(ctx, &rec); err != nil {
		return st, Outcome{}, err
	}

	chosen := State{Step: StepPaymentMethodChosen, PlanID: plan.ID, Method: method, PaymentID: rec.ID}
	if err := m.save(ctx, user.TelegramID, chosen); err != nil {
		return st, Outcome{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
	inv, err := gw.CreateInvoice(callCtx, payment.InvoiceRequest{PaymentID: rec.ID, TelegramID: user.TelegramID, Plan: plan})
	cancel()
	if err != nil {
		err = m.timeoutIsTransient(ctx, err)
		if _, markErr := m.repo.SetPaymentStatus(ctx, rec.ID, models.PaymentFailed, models.PaymentCreated); markErr != nil {
			log.Error("failed to mark payment failed", zap.Uint("payment_id", rec.ID), zap.Error(markErr))
		}

		out := m.fail(log, st, err)
		if out.Kind == OutcomeSwitchMethod || out.Kind == OutcomeRetryLater {
			out.Methods = without(m.gateways.Methods(), method)
		}
		back := State{Step: StepDurationChosen, PlanID: plan.ID}
		return back, out, nil
	}

	if err := m.repo.AttachInvoice(ctx, rec.ID, inv.InvoiceID, inv.PayURL); err != nil {
		return chosen, Outcome{}, err
	}
	rec.InvoiceID = &inv.InvoiceID
	rec.PayURL = inv.PayURL
	rec.Status = models.PaymentPending

	log.Info("invoice created",
		zap.Uint("payment_id", rec.ID),
		zap.String("method", string(method)),
		zap.String("invoice_id", inv.InvoiceID),
	)

	next := State{Step: StepAwaitingPayment, PlanID: plan.ID, Method: method, PaymentID: rec.ID}
	return next, Outcome{Kind: OutcomeInvoice, Plan: &plan, Payment: &rec}, nil
}

// confirmPayment serves the "I paid" button. The button carries its record
// id, so it keeps working after the flow was interrupted or restarted.
func (m *Machine) confirmPayment(ctx context.Context, log *zap.Logger, user models.User, st State, paymentID uint) (State, Outcome, error) {
	rec, err := m.repo.Payment(ctx, paymentID)
	if err != nil {
		return st, Outcome{}, err
	}
	if rec.UserID != user.ID {
		return st, Outcome{}, fmt.Errorf("payment %d of another user: %w", paymentID, apperr.ErrNotFound)
	}

	switch rec.Status {
	case models.PaymentConfirmed:
		return m.activate(ctx, log, st, rec)
	case models.PaymentFailed, models.PaymentExpired:
		return m.paymentFailed(st, rec), Outcome{Kind: OutcomePaymentFailed, Payment: &rec, Methods: m.gateways.Methods()}, nil
	case models.PaymentCreated:
		// the gateway never answered, nothing can be paid
		if _, err := m.repo.SetPaymentStatus(ctx, rec.ID, models.PaymentFailed, models.PaymentCreated); err != nil {
			return st, Outcome{}, err
		}
		rec.Status = models.PaymentFailed
		return m.paymentFailed(st, rec), Outcome{Kind: OutcomePaymentFailed, Payment: &rec, Methods: m.gateways.Methods()}, nil
	}

	status, err := m.status(ctx, rec)
	if err != nil {
		return st, Outcome{}, err
	}
	switch status {
	case payment.StatusConfirmed:
		return m.activate(ctx, log, st, rec)
	case payment.StatusFailed, payment.StatusExpired:
		if _, err := m.repo.SetPaymentStatus(ctx, rec.ID, status.RecordStatus(), models.PaymentCreated, models.PaymentPending); err != nil {
			return st, Outcome{}, err
		}
		rec.Status = status.RecordStatus()
		return m.paymentFailed(st, rec), Outcome{Kind: OutcomePaymentFailed, Payment: &rec, Methods: m.gateways.Methods()}, nil
	default:
		return st, Outcome{Kind: OutcomeNotYetPaid, Payment: &rec}, nil
	}
}

// activate consumes a confirmed record. A record consumed earlier yields its
// existing subscription, so repeated confirmations render the same result.
func (m *Machine) activate(ctx context.Context, log *zap.Logger, st State, rec models.PaymentRecord) (State, Outcome, error) {
	sub, created, err := m.repo.ConfirmPayment(ctx, rec.ID, m.now())
	if errors.Is(err, apperr.ErrRejected) {
		return m.paymentFailed(st, rec), Outcome{Kind: OutcomePaymentFailed, Payment: &rec, Methods: m.gateways.Methods()}, nil
	}
	if err != nil {
		return st, Outcome{}, err
	}
	if created {
		log.Info("subscription created",
			zap.Uint("subscription_id", sub.ID),
			zap.Uint("payment_id", rec.ID),
			zap.Time("end_at", sub.EndAt),
		)
	}
	return m.postPayment(ctx, sub)
}

func (m *Machine) postPayment(ctx context.Context, sub models.Subscription) (State, Outcome, error) {
	next := State{PlanID: sub.PlanID, PaymentID: sub.PaymentRecordID, SubscriptionID: sub.ID}

	if sub.PackageID != "" {
		full, err := m.repo.Subscription(ctx, sub.ID)
		if err != nil {
			return next, Outcome{}, err
		}
		next.Step = StepDone
		next.PackageID = full.PackageID
		out := Outcome{Kind: OutcomeProvisioned, Subscription: &full}
		if pkg, err := m.repo.Package(ctx, full.PackageID); err == nil {
			out.Packages = []models.RegionPackage{pkg}
		}
		return next, out, nil
	}

	packages, err := m.repo.Packages(ctx)
	if err != nil {
		return next, Outcome{}, err
	}
	next.Step = StepRegionChosen
	return next, Outcome{Kind: OutcomeChoosePackage, Subscription: &sub, Packages: packages}, nil
}

// paymentFailed returns the flow to method selection when rec belongs to it.
func (m *Machine) paymentFailed(st State, rec models.PaymentRecord) State {
	if st.PaymentID != rec.ID {
		return st
	}
	return State{Step: StepDurationChosen, PlanID: rec.PlanID}
}

func (m *Machine) selectPackage(ctx context.Context, log *zap.Logger, user models.User, st State, in SelectPackage) (State, Outcome, error) {
	sub, err := m.repo.Subscription(ctx, in.SubscriptionID)
	if err != nil {
		return st, Outcome{}, err
	}
	if sub.UserID != user.ID {
		return st, Outcome{}, fmt.Errorf("subscription %d of another user: %w", sub.ID, apperr.ErrNotFound)
	}
	pkg, err := m.repo.OfferedPackage(ctx, in.PackageID)
	if err != nil {
		return st, Outcome{}, err
	}

	res, err := m.provisioner.Provision(ctx, sub.ID, pkg)
	if errors.Is(err, apperr.ErrConflict) {
		// already bound to another package: show what it has
		return m.postPayment(ctx, sub)
	}
	if err != nil {
		return st, Outcome{}, err
	}

	if failed := res.Failed(); len(failed) > 0 {
		regions := make([]string, 0, len(failed))
		for _, g := range failed {
			regions = append(regions, g.Region)
		}
		log.Warn("subscription provisioned with failures",
			zap.Uint("subscription_id", sub.ID),
			zap.Strings("failed_regions", regions),
			zap.Int("granted", len(res.Granted())),
			zap.String("status", string(res.Subscription.Status)),
		)
	}

	next := State{
		Step:           StepDone,
		PlanID:         sub.PlanID,
		PaymentID:      sub.PaymentRecordID,
		SubscriptionID: sub.ID,
		PackageID:      pkg.ID,
	}
	return next, Outcome{Kind: OutcomeProvisioned, Subscription: &res.Subscription, Packages: []models.RegionPackage{pkg}}, nil
}

// ConfirmInvoice settles a record after a gateway notification. The
// notification body is not trusted: the status is read back from the
// gateway. notify is false when nothing changed, such as on redelivery.
func (m *Machine) ConfirmInvoice(ctx context.Context, method models.PaymentMethod, invoiceID string) (d Delivery, notify bool, err error) {
	rec, err := m.repo.PaymentByInvoice(ctx, method, invoiceID)
	if err != nil {
		return Delivery{}, false, err
	}
	telegramID := rec.User.TelegramID
	log := m.logger.With(zap.Int64("telegram_id", telegramID), zap.Uint("payment_id", rec.ID))

	unlock := m.locks.lock(telegramID)
	defer unlock()

	if rec.Status.Terminal() {
		return Delivery{}, false, nil
	}

	status, err := m.status(ctx, rec)
	if err != nil {
		return Delivery{}, false, err
	}

	st, err := m.store.Load(ctx, telegramID)
	if err != nil {
		return Delivery{}, false, err
	}

	var (
		next State
		out  Outcome
	)
	switch status {
	case payment.StatusConfirmed:
		sub, created, err := m.repo.ConfirmPayment(ctx, rec.ID, m.now())
		if err != nil {
			return Delivery{}, false, err
		}
		if !created {
			return Delivery{}, false, nil
		}
		log.Info("subscription created from notification", zap.Uint("subscription_id", sub.ID))

		var pkgState State
		pkgState, out, err = m.postPayment(ctx, sub)
		if err != nil {
			return Delivery{}, false, err
		}
		next = st
		if st.PaymentID == rec.ID {
			next = pkgState
		}
	case payment.StatusFailed, payment.StatusExpired:
		changed, err := m.repo.SetPaymentStatus(ctx, rec.ID, status.RecordStatus(), models.PaymentCreated, models.PaymentPending)
		if err != nil {
			return Delivery{}, false, err
		}
		if !changed {
			return Delivery{}, false, nil
		}
		rec.Status = status.RecordStatus()
		next = m.paymentFailed(st, rec)
		out = Outcome{Kind: OutcomePaymentFailed, Payment: &rec, Methods: m.gateways.Methods()}
	default:
		return Delivery{}, false, nil
	}

	if err := m.save(ctx, telegramID, next); err != nil {
		return Delivery{}, false, err
	}
	out.Step = next.current()
	return Delivery{TelegramID: telegramID, Outcome: out}, true, nil
}

// status reads the settlement state of rec from its gateway.
func (m *Machine) status(ctx context.Context, rec models.PaymentRecord) (payment.Status, error) {
	gw, err := m.gateways.Get(rec.Method)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
	defer cancel()

	status, err := gw.GetStatus(callCtx, rec.Invoice())
	if err != nil {
		return "", m.timeoutIsTransient(ctx, err)
	}
	return status, nil
}

func (m *Machine) timeoutIsTransient(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return apperr.Wrap(apperr.ErrTransient, err)
	}
	return err
}

func (m *Machine) save(ctx context.Context, telegramID int64, st State) error {
	st.UpdatedAt = m.now()
	return m.store.Save(ctx, telegramID, st)
}

// fail maps err to a user-facing outcome. Anything unexpected gets a support
// reference that is logged with the cause.
func (m *Machine) fail(log *zap.Logger, st State, err error) Outcome {
	out := Outcome{Step: st.current()}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		out.Kind = OutcomeNotFound
	case errors.Is(err, apperr.ErrInvalidTransition):
		out.Kind = OutcomeInvalidTransition
	case errors.Is(err, apperr.ErrTransient):
		out.Kind = OutcomeRetryLater
	case errors.Is(err, apperr.ErrGatewayUnavailable):
		out.Kind = OutcomeSwitchMethod
		out.Methods = m.gateways.Methods()
	default:
		out.Kind = OutcomeContactSupport
		out.Reference = uuid.NewString()
		log.Error("flow event failed", zap.String("reference", out.Reference), zap.Error(err))
		return out
	}
	log.Info("flow event rejected", zap.String("outcome", string(out.Kind)), zap.Error(err))
	return out
}

func without(methods []models.PaymentMethod, drop models.PaymentMethod) []models.PaymentMethod {
	out := make([]models.PaymentMethod, 0, len(methods))
	for _, m := range methods {
		if m != drop {
			out = append(out, m)
		}
	}
	return out
}

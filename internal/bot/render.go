package bot

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/skip2/go-qrcode"

	"regionvpn-bot/internal/config"
	"regionvpn-bot/internal/flow"
	"regionvpn-bot/internal/models"
)

const dateLayout = "02.01.2006 15:04 UTC"

// Message is a rendered reply. Access entries are sent after the text, one
// QR code each.
type Message struct {
	Text     string
	Keyboard *telego.InlineKeyboardMarkup
	Access   []Access
}

type Access struct {
	Label      string
	Descriptor string
}

type regionLabel struct {
	name string
	flag string
}

// Renderer turns flow outcomes into Telegram messages.
type Renderer struct {
	regions map[string]regionLabel
}

func NewRenderer(regions []config.RegionConfig) *Renderer {
	labels := make(map[string]regionLabel, len(regions))
	for _, r := range regions {
		labels[r.Code] = regionLabel{name: r.Name, flag: r.Flag}
	}
	return &Renderer{regions: labels}
}

func (r *Renderer) Render(out flow.Outcome) Message {
	switch out.Kind {
	case flow.OutcomeMenu:
		return r.menu(out.Plans)
	case flow.OutcomeChooseMethod:
		return r.chooseMethod(out)
	case flow.OutcomeInvoice:
		return r.invoice(out)
	case flow.OutcomeNotYetPaid:
		return Message{
			Text:     fmt.Sprintf("⏳ Оплата по счёту #%d ещё не поступила.\nЕсли вы уже оплатили, подождите минуту и проверьте снова.", out.Payment.ID),
			Keyboard: payKeyboard(out.Payment),
		}
	case flow.OutcomePaymentFailed:
		return r.paymentFailed(out)
	case flow.OutcomeChoosePackage:
		return r.choosePackage(out)
	case flow.OutcomeProvisioned:
		return r.provisioned(out)
	case flow.OutcomeCancelled:
		return Message{Text: "Действие отменено.", Keyboard: menuKeyboard()}
	case flow.OutcomeHelp:
		return Message{Text: helpText, Keyboard: menuKeyboard()}
	case flow.OutcomeSubscriptions:
		return r.subscriptions(out)
	case flow.OutcomeNotFound:
		return Message{Text: "🤷 Ничего не найдено. Начните заново.", Keyboard: menuKeyboard()}
	case flow.OutcomeInvalidTransition:
		return Message{Text: "⚠️ Это действие сейчас недоступно.", Keyboard: menuKeyboard()}
	case flow.OutcomeRetryLater:
		return r.retry(out, "⏳ Сервис временно недоступен, попробуйте чуть позже.")
	case flow.OutcomeSwitchMethod:
		return r.retry(out, "⚠️ Этот способ оплаты сейчас недоступен.")
	case flow.OutcomeContactSupport:
		return Message{
			Text:     fmt.Sprintf("😔 Что-то пошло не так. Напишите в поддержку и укажите код:\n<code>%s</code>", html.EscapeString(out.Reference)),
			Keyboard: menuKeyboard(),
		}
	}
	return Message{Text: "⚠️ Неизвестный ответ.", Keyboard: menuKeyboard()}
}

func (r *Renderer) menu(plans []models.DurationPlan) Message {
	if len(plans) == 0 {
		return Message{Text: "Привет! 👋\n\nСейчас нет доступных тарифов. Загляните позже."}
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(plans)+1)
	for _, p := range plans {
		label := fmt.Sprintf("🚀 %s (%s)", p.Name, formatLength(p.Length))
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData(flow.PlanData(p.ID))))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("📋 Мои подписки").WithCallbackData(flow.SubscriptionsData()),
		tu.InlineKeyboardButton("📖 Помощь").WithCallbackData(flow.HelpData()),
	))
	return Message{
		Text:     "Привет! 👋\n\nЯ выдам доступ к VPN сразу в нескольких странах.\nВыберите срок подписки:",
		Keyboard: tu.InlineKeyboard(rows...),
	}
}

func (r *Renderer) chooseMethod(out flow.Outcome) Message {
	plan := out.Plan
	text := fmt.Sprintf("📅 Тариф: <b>%s</b> (%s)\n\nВыберите способ оплаты:", html.EscapeString(plan.Name), formatLength(plan.Length))
	return Message{Text: text, Keyboard: methodKeyboard(plan, out.Methods)}
}

func (r *Renderer) invoice(out flow.Outcome) Message {
	rec := out.Payment
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 Счёт #%d", rec.ID)
	if out.Plan != nil {
		fmt.Fprintf(&b, " за тариф <b>%s</b>", html.EscapeString(out.Plan.Name))
	}
	fmt.Fprintf(&b, "\n💰 К оплате: %s\n\n", formatPrice(rec.Amount, rec.Currency))
	b.WriteString("Оплатите по кнопке ниже, затем нажмите «Я оплатил».")
	return Message{Text: b.String(), Keyboard: payKeyboard(rec)}
}

func (r *Renderer) paymentFailed(out flow.Outcome) Message {
	text := "❌ Оплата не прошла или счёт истёк."
	if out.Payment != nil {
		text = fmt.Sprintf("❌ Счёт #%d не оплачен: %s.", out.Payment.ID, paymentStatusText(out.Payment.Status))
	}
	if out.Step == flow.StepDurationChosen && len(out.Methods) > 0 {
		return Message{Text: text + "\n\nВыберите способ оплаты заново:", Keyboard: methodKeyboard(nil, out.Methods)}
	}
	return Message{Text: text, Keyboard: menuKeyboard()}
}

func (r *Renderer) retry(out flow.Outcome, text string) Message {
	if out.Step == flow.StepDurationChosen && len(out.Methods) > 0 {
		return Message{Text: text + "\n\nПопробуйте другой способ оплаты:", Keyboard: methodKeyboard(nil, out.Methods)}
	}
	return Message{Text: text, Keyboard: menuKeyboard()}
}

func (r *Renderer) choosePackage(out flow.Outcome) Message {
	sub := out.Subscription
	text := fmt.Sprintf("✅ Оплата получена!\nПодписка #%d действует до %s.\n\nВыберите набор регионов:", sub.ID, sub.EndAt.UTC().Format(dateLayout))
	rows := make([][]telego.InlineKeyboardButton, 0, len(out.Packages))
	for _, p := range out.Packages {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(r.packageLabel(p)).WithCallbackData(flow.PackageData(sub.ID, p.ID)),
		))
	}
	return Message{Text: text, Keyboard: tu.InlineKeyboard(rows...)}
}

func (r *Renderer) provisioned(out flow.Outcome) Message {
	sub := out.Subscription

	var b strings.Builder
	fmt.Fprintf(&b, "🚀 Подписка #%d: %s\n", sub.ID, subscriptionStatusText(sub.Status))
	if len(out.Packages) > 0 {
		fmt.Fprintf(&b, "🌍 Набор: %s\n", html.EscapeString(out.Packages[0].Name))
	}
	fmt.Fprintf(&b, "📅 Действует до: %s\n", sub.EndAt.UTC().Format(dateLayout))

	var access []Access
	for _, g := range sub.Grants {
		label := r.regionText(g.Region)
		switch g.Status {
		case models.GrantGranted:
			fmt.Fprintf(&b, "\n%s: ✅\n<code>%s</code>\n", label, html.EscapeString(g.AccessDescriptor))
			if g.AccessDescriptor != "" {
				access = append(access, Access{Label: label, Descriptor: g.AccessDescriptor})
			}
		case models.GrantRequested:
			fmt.Fprintf(&b, "\n%s: ⏳ выдаётся\n", label)
		case models.GrantFailed:
			fmt.Fprintf(&b, "\n%s: ❌ не удалось выдать доступ\n", label)
		case models.GrantRevoked:
			fmt.Fprintf(&b, "\n%s: 🚫 доступ отозван\n", label)
		}
	}
	if sub.Status == models.SubscriptionPartiallyActive || sub.Status == models.SubscriptionFailed {
		b.WriteString("\nЧасть регионов недоступна. Мы уже разбираемся, доступ к остальным работает.")
	}

	keyboard := tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📋 Мои подписки").WithCallbackData(flow.SubscriptionsData()),
			tu.InlineKeyboardButton("« Меню").WithCallbackData(flow.MenuData()),
		),
	)
	return Message{Text: strings.TrimRight(b.String(), "\n"), Keyboard: keyboard, Access: access}
}

func (r *Renderer) subscriptions(out flow.Outcome) Message {
	if len(out.Subscriptions) == 0 {
		return Message{Text: "У вас пока нет подписок.", Keyboard: menuKeyboard()}
	}

	names := make(map[string]string, len(out.Packages))
	for _, p := range out.Packages {
		names[p.ID] = p.Name
	}

	var b strings.Builder
	b.WriteString("📋 <b>Ваши подписки</b>\n")
	var rows [][]telego.InlineKeyboardButton
	for _, s := range out.Subscriptions {
		fmt.Fprintf(&b, "\n#%d · %s · до %s", s.ID, subscriptionStatusText(s.Status), s.EndAt.UTC().Format(dateLayout))
		if name, ok := names[s.PackageID]; ok {
			fmt.Fprintf(&b, "\n🌍 %s", html.EscapeString(name))
		}
		for _, g := range s.Grants {
			if g.Status == models.GrantGranted {
				fmt.Fprintf(&b, "\n%s: <code>%s</code>", r.regionText(g.Region), html.EscapeString(g.AccessDescriptor))
			}
		}
		b.WriteString("\n")

		// paid but no package yet
		if s.PackageID == "" && s.Status.Live() {
			for _, p := range out.Packages {
				if !p.Active {
					continue
				}
				label := fmt.Sprintf("#%d: %s", s.ID, r.packageLabel(p))
				rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData(flow.PackageData(s.ID, p.ID))))
			}
		}
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("« Меню").WithCallbackData(flow.MenuData())))
	return Message{Text: strings.TrimRight(b.String(), "\n"), Keyboard: tu.InlineKeyboard(rows...)}
}

// ExpiredText and ExpiringText are pushed by the background jobs.
func ExpiredText(sub models.Subscription) string {
	return fmt.Sprintf("⌛ Подписка #%d истекла, доступ к регионам отозван.\n\nОформите новую, чтобы снова подключиться.", sub.ID)
}

func ExpiringText(sub models.Subscription) string {
	return fmt.Sprintf("⏰ Подписка #%d закончится %s.\n\nОформите новую заранее, чтобы не остаться без VPN.", sub.ID, sub.EndAt.UTC().Format(dateLayout))
}

func (r *Renderer) regionText(code string) string {
	l, ok := r.regions[code]
	if !ok {
		return html.EscapeString(code)
	}
	return strings.TrimSpace(l.flag + " " + html.EscapeString(l.name))
}

func (r *Renderer) packageLabel(p models.RegionPackage) string {
	flags := make([]string, 0, len(p.Regions))
	for _, code := range p.Regions {
		if l, ok := r.regions[code]; ok && l.flag != "" {
			flags = append(flags, l.flag)
		} else {
			flags = append(flags, strings.ToUpper(code))
		}
	}
	return fmt.Sprintf("🌍 %s %s", p.Name, strings.Join(flags, " "))
}

func methodKeyboard(plan *models.DurationPlan, methods []models.PaymentMethod) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(methods)+1)
	for _, m := range methods {
		label := methodText(m)
		if plan != nil {
			amount, currency := plan.Price(m)
			label += ": " + formatPrice(amount, currency)
		}
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData(flow.MethodData(m))))
	}
	rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("✖️ Отмена").WithCallbackData(flow.CancelData())))
	return tu.InlineKeyboard(rows...)
}

func payKeyboard(rec *models.PaymentRecord) *telego.InlineKeyboardMarkup {
	var rows [][]telego.InlineKeyboardButton
	if rec.PayURL != "" {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("💳 Оплатить").WithURL(rec.PayURL)))
	}
	rows = append(rows,
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("✅ Я оплатил").WithCallbackData(flow.PayData(rec.ID))),
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("✖️ Отмена").WithCallbackData(flow.CancelData())),
	)
	return tu.InlineKeyboard(rows...)
}

func menuKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(tu.InlineKeyboardButton("« Меню").WithCallbackData(flow.MenuData())),
	)
}

func methodText(m models.PaymentMethod) string {
	switch m {
	case models.MethodCrypto:
		return "💎 Криптовалюта"
	case models.MethodCard:
		return "💳 Банковская карта"
	}
	return string(m)
}

func paymentStatusText(s models.PaymentStatus) string {
	switch s {
	case models.PaymentExpired:
		return "срок оплаты истёк"
	case models.PaymentFailed:
		return "платёж отклонён"
	case models.PaymentCreated, models.PaymentPending:
		return "ожидает оплаты"
	case models.PaymentConfirmed:
		return "оплачен"
	}
	return string(s)
}

func subscriptionStatusText(s models.SubscriptionStatus) string {
	switch s {
	case models.SubscriptionPendingPayment:
		return "⏳ ожидает выбора регионов"
	case models.SubscriptionProvisioning:
		return "⏳ выдаётся доступ"
	case models.SubscriptionActive:
		return "✅ активна"
	case models.SubscriptionPartiallyActive:
		return "⚠️ активна частично"
	case models.SubscriptionFailed:
		return "❌ доступ не выдан"
	case models.SubscriptionExpiring, models.SubscriptionExpired:
		return "⌛ истекла"
	case models.SubscriptionCancelled:
		return "🚫 отменена"
	}
	return string(s)
}

func formatPrice(amount float64, currency string) string {
	return strconv.FormatFloat(amount, 'f', -1, 64) + " " + currency
}

func formatLength(d time.Duration) string {
	day := 24 * time.Hour
	switch {
	case d >= day && d%day == 0:
		return fmt.Sprintf("%d дн.", d/day)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d ч", d/time.Hour)
	default:
		return fmt.Sprintf("%d мин", d/time.Minute)
	}
}

// qrPNG encodes an access descriptor for scanning from a client app.
func qrPNG(content string) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, 256)
}

const helpText = `📖 <b>Как это работает</b>

1. Выберите срок подписки в меню.
2. Оплатите картой или криптовалютой и нажмите «Я оплатил».
3. Выберите набор регионов. Для каждого региона придёт ссылка и QR-код.
4. Импортируйте ссылку в клиент (Outline, V2RayNG, v2BOX, Hiddify) и подключайтесь.

Команды:
/start: главное меню
/my_subscriptions: ваши подписки и ссылки
/cancel: отменить текущее действие
/help: эта справка`

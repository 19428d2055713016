package ferma

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"ferma-fiscal/internal/config"
	"ferma-fiscal/internal/domain"
)

const maxLabelRunes = 128

// Defaults are the per-merchant receipt settings applied to every request.
type Defaults struct {
	INN            string
	GroupCode      string
	TaxationSystem string
	IsInternet     bool
	BillAddress    string
	Vat            string
	Measure        string
	PaymentType    int
	PaymentMethod  int
	Timezone       int
	CallbackURL    string
}

func DefaultsFromConfig(cfg config.FermaConfig) Defaults {
	return Defaults{
		INN:            cfg.INN,
		GroupCode:      cfg.GroupCode,
		TaxationSystem: cfg.TaxationSystem,
		IsInternet:     cfg.IsInternet,
		BillAddress:    cfg.BillAddress,
		Vat:            cfg.Vat,
		Measure:        cfg.Measure,
		PaymentType:    cfg.PaymentType,
		PaymentMethod:  cfg.PaymentMethod,
		Timezone:       cfg.Timezone,
		CallbackURL:    cfg.CallbackURL(),
	}
}

// ReceiptInput is everything that varies between two submissions.
type ReceiptInput struct {
	Type               ReceiptType
	InvoiceID          string
	Amount             decimal.Decimal
	Description        string
	Email              string
	Phone              string
	PaymentIdentifiers string
	// Cashless settles the receipt as one CashlessPayments entry carrying the
	// payment identifier instead of TotalSum.
	Cashless           bool
	Correction         *CorrectionInfo
	PaymentItems       []PaymentItem
}

// InputFromReceipt builds the submission input for a ledger entry.
func InputFromReceipt(rc *domain.Receipt) ReceiptInput {
	// the payment id goes out as Data.PaymentIdentifiers so the receipt stays
	// linked to the provider payment; the sum is reported as TotalSum
	return ReceiptInput{
		Type:               ReceiptIncome,
		InvoiceID:          rc.InvoiceID,
		Amount:             rc.Amount,
		Description:        rc.Description,
		Email:              rc.CustomerEmail,
		Phone:              rc.CustomerPhone,
		PaymentIdentifiers: rc.PaymentID,
	}
}

// BuildReceiptRequest is the only place a receipt request is assembled.
func BuildReceiptRequest(d Defaults, in ReceiptInput) (ReceiptEnvelope, error) {
	if in.InvoiceID == "" {
		return ReceiptEnvelope{}, fmt.Errorf("%w: invoice id is required", domain.ErrInvalidArgument)
	}
	if !in.Amount.IsPositive() {
		return ReceiptEnvelope{}, fmt.Errorf("%w: amount must be positive, got %s", domain.ErrInvalidArgument, in.Amount)
	}
	typ := in.Type
	if typ == "" {
		typ = ReceiptIncome
	}
	if typ == ReceiptIncomeCorrection {
		if err := validateCorrection(in.Correction); err != nil {
			return ReceiptEnvelope{}, err
		}
	}

	sum := money(in.Amount)
	label := in.Description
	if strings.TrimSpace(label) == "" {
		label = "Оплата заказа " + in.InvoiceID
	}

	cr := CustomerReceipt{
		TaxationSystem: d.TaxationSystem,
		Email:          strings.TrimSpace(in.Email),
		Phone:          strings.TrimSpace(in.Phone),
		BillAddress:    d.BillAddress,
		Items: []Item{{
			Label:         truncateRunes(label, maxLabelRunes),
			Price:         sum,
			Quantity:      1,
			Amount:        sum,
			Vat:           d.Vat,
			Measure:       d.Measure,
			PaymentMethod: d.PaymentMethod,
			PaymentType:   d.PaymentType,
		}},
		PaymentItems: in.PaymentItems,
	}
	if d.Timezone >= 1 && d.Timezone <= 11 {
		cr.Timezone = d.Timezone
	}
	if typ == ReceiptIncomeCorrection {
		cr.CorrectionInfo = in.Correction
	}

	pid := strings.TrimSpace(in.PaymentIdentifiers)
	if pid != "" && in.Cashless {
		cr.CashlessPayments = []CashlessPayment{{
			PaymentSum:            sum,
			PaymentMethodFlag:     "1",
			PaymentIdentifiers:    pid,
			AdditionalInformation: "Полная оплата безналичными",
		}}
	} else {
		cr.TotalSum = &sum
	}

	req := ReceiptRequest{
		Inn:             d.INN,
		Type:            typ,
		InvoiceID:       in.InvoiceID,
		GroupCode:       d.GroupCode,
		CallbackURL:     d.CallbackURL,
		IsInternet:      d.IsInternet,
		CustomerReceipt: cr,
	}
	if pid != "" {
		req.Data = &RequestData{PaymentIdentifiers: []string{pid}}
	}
	return ReceiptEnvelope{Request: req}, nil
}

func validateCorrection(ci *CorrectionInfo) error {
	if ci == nil {
		return fmt.Errorf("%w: correction info is required for %s", domain.ErrInvalidArgument, ReceiptIncomeCorrection)
	}
	switch ci.Type {
	case "SELF", "INSTRUCTION":
	default:
		return fmt.Errorf("%w: correction type must be SELF or INSTRUCTION, got %q", domain.ErrInvalidArgument, ci.Type)
	}
	if ci.Description == "" || ci.ReceiptDate == "" || ci.ReceiptID == "" {
		return fmt.Errorf("%w: correction description, receipt date and receipt id are required", domain.ErrInvalidArgument)
	}
	return nil
}

// ParsePaymentItems parses the operator shorthand "type:sum,type:sum".
// Malformed parts are skipped.
func ParsePaymentItems(raw string) []PaymentItem {
	var out []PaymentItem
	for _, part := range strings.Split(raw, ",") {
		typ, sum, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		t, err := strconv.Atoi(strings.TrimSpace(typ))
		if err != nil {
			continue
		}
		s, err := decimal.NewFromString(strings.TrimSpace(sum))
		if err != nil {
			continue
		}
		out = append(out, PaymentItem{PaymentType: t, Sum: money(s)})
	}
	return out
}

func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// validINN reports whether inn is a 10 or 12 digit taxpayer number.
func validINN(inn string) bool {
	if len(inn) != 10 && len(inn) != 12 {
		return false
	}
	for _, c := range inn {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

package ferma

import (
	"encoding/json"

	"ferma-fiscal/internal/domain"
)

type ReceiptType string

const (
	ReceiptIncome           ReceiptType = "Income"
	ReceiptIncomeReturn     ReceiptType = "IncomeReturn"
	ReceiptIncomeCorrection ReceiptType = "IncomeCorrection"
)

type authRequest struct {
	Login    string `json:"Login"`
	Password string `json:"Password"`
}

type authResponse struct {
	Status string `json:"Status"`
	Data   struct {
		AuthToken         string `json:"AuthToken"`
		ExpirationDateUtc string `json:"ExpirationDateUtc"`
	} `json:"Data"`
}

// errorEnvelope is the failure shape the service uses inside 200 and non-200 bodies.
type errorEnvelope struct {
	Status string `json:"Status"`
	Error  *struct {
		Code    int    `json:"Code"`
		Message string `json:"Message"`
	} `json:"Error"`
}

type ReceiptEnvelope struct {
	Request ReceiptRequest `json:"Request"`
}

type ReceiptRequest struct {
	Inn             string          `json:"Inn"`
	Type            ReceiptType     `json:"Type"`
	InvoiceID       string          `json:"InvoiceId"`
	GroupCode       string          `json:"GroupCode,omitempty"`
	CallbackURL     string          `json:"CallbackUrl,omitempty"`
	IsInternet      bool            `json:"IsInternet,omitempty"`
	CustomerReceipt CustomerReceipt `json:"CustomerReceipt"`
	Data            *RequestData    `json:"Data,omitempty"`
}

type RequestData struct {
	PaymentIdentifiers []string `json:"PaymentIdentifiers,omitempty"`
}

type CustomerReceipt struct {
	TaxationSystem   string            `json:"TaxationSystem,omitempty"`
	Email            string            `json:"Email,omitempty"`
	Phone            string            `json:"Phone,omitempty"`
	BillAddress      string            `json:"BillAddress,omitempty"`
	Timezone         int               `json:"Timezone,omitempty"`
	Items            []Item            `json:"Items"`
	CashlessPayments []CashlessPayment `json:"CashlessPayments,omitempty"`
	TotalSum         *float64          `json:"TotalSum,omitempty"`
	CorrectionInfo   *CorrectionInfo   `json:"CorrectionInfo,omitempty"`
	PaymentItems     []PaymentItem     `json:"PaymentItems,omitempty"`
}

type Item struct {
	Label         string  `json:"Label"`
	Price         float64 `json:"Price"`
	Quantity      float64 `json:"Quantity"`
	Amount        float64 `json:"Amount"`
	Vat           string  `json:"Vat"`
	Measure       string  `json:"Measure,omitempty"`
	PaymentMethod int     `json:"PaymentMethod"`
	PaymentType   int     `json:"PaymentType"`
}

type CashlessPayment struct {
	PaymentSum            float64 `json:"PaymentSum"`
	PaymentMethodFlag     string  `json:"PaymentMethodFlag"`
	PaymentIdentifiers    string  `json:"PaymentIdentifiers"`
	AdditionalInformation string  `json:"AdditionalInformation,omitempty"`
}

// CorrectionInfo identifies the receipt a correction amends.
type CorrectionInfo struct {
	Type        string `json:"Type"` // SELF or INSTRUCTION
	Description string `json:"Description"`
	ReceiptDate string `json:"ReceiptDate"` // DD.MM.YY
	ReceiptID   string `json:"ReceiptId"`
}

// PaymentItem is one entry of the settlement breakdown (fiscal tag 1215).
type PaymentItem struct {
	PaymentType int     `json:"PaymentType"`
	Sum         float64 `json:"Sum"`
}

type submitResponse struct {
	Data struct {
		ReceiptID string `json:"ReceiptId"`
		InvoiceID string `json:"InvoiceId"`
	} `json:"Data"`
}

// SubmitResult carries the identifiers the service assigned to an accepted receipt.
type SubmitResult struct {
	ReceiptID string
	InvoiceID string
}

type StatusQuery struct {
	InvoiceID string `json:"InvoiceId,omitempty"`
	ReceiptID string `json:"ReceiptId,omitempty"`
}

type statusResponse struct {
	Data StatusData `json:"Data"`
}

type StatusData struct {
	StatusCode    domain.FiscalStatus `json:"StatusCode"`
	StatusName    string              `json:"StatusName,omitempty"`
	StatusMessage string              `json:"StatusMessage,omitempty"`
	ReceiptID     string              `json:"ReceiptId,omitempty"`
	InvoiceID     string              `json:"InvoiceId,omitempty"`
	Device        struct {
		OfdReceiptURL string `json:"OfdReceiptUrl,omitempty"`
	} `json:"Device"`
}

// StatusResult is the normalized answer of a status check.
type StatusResult struct {
	Code   domain.FiscalStatus
	OfdURL string
	Raw    json.RawMessage
}

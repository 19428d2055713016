package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ferma-fiscal/internal/infrastructure/ferma"
)

// Flags shared by the receipt and correction commands.
var (
	manualAmount  string
	manualDesc    string
	manualInvoice string
	manualEmail   string
	manualPhone   string
	manualPID     string

	corrType        string
	corrDesc        string
	corrReceiptDate string
	corrReceiptID   string
	corrPaymentItem string

	statusInvoice string
	statusReceipt string
)

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Submit an Income receipt directly, without a ledger entry",
	Long: `Submit an Income receipt to the fiscal service.

Examples:
  fiscald receipt --amount 100 --desc "Подписка на месяц"
  fiscald receipt --amount 250.50 --desc "Заказ 17" --email buyer@example.com --pid 2a4f...`,
	RunE: runReceipt,
}

var correctionCmd = &cobra.Command{
	Use:   "correction",
	Short: "Submit an IncomeCorrection receipt",
	Long: `Submit a correction for a receipt that was not issued or was issued wrongly.

Examples:
  fiscald correction --amount 100 --desc "Оплата заказа 17" \
    --corr-type SELF --corr-desc "чек не пробит" --corr-receipt-date 21.03.24 \
    --corr-receipt-id 12345 --pi 2:100`,
	RunE: runCorrection,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the fiscal status of a receipt",
	Long: `Query the fiscal service for a receipt status by invoice or receipt id.

Examples:
  fiscald status --invoice INV-0f8c...
  fiscald status --receipt 7a1e...`,
	RunE: runStatus,
}

func init() {
	for _, cmd := range []*cobra.Command{receiptCmd, correctionCmd} {
		cmd.Flags().StringVar(&manualAmount, "amount", "", "receipt amount in rubles")
		cmd.Flags().StringVar(&manualDesc, "desc", "", "item label printed on the receipt")
		cmd.Flags().StringVar(&manualInvoice, "invoice", "", "invoice id (generated when omitted)")
		cmd.Flags().StringVar(&manualEmail, "email", "", "buyer email")
		cmd.Flags().StringVar(&manualPhone, "phone", "", "buyer phone")
		cmd.Flags().StringVar(&manualPID, "pid", "", "payment identifier of the cashless payment")
		_ = cmd.MarkFlagRequired("amount")
		_ = cmd.MarkFlagRequired("desc")
	}

	correctionCmd.Flags().StringVar(&corrType, "corr-type", "", "correction type: SELF or INSTRUCTION")
	correctionCmd.Flags().StringVar(&corrDesc, "corr-desc", "", "correction reason")
	correctionCmd.Flags().StringVar(&corrReceiptDate, "corr-receipt-date", "", "date of the corrected receipt, DD.MM.YY")
	correctionCmd.Flags().StringVar(&corrReceiptID, "corr-receipt-id", "", "id of the corrected receipt or order document")
	correctionCmd.Flags().StringVar(&corrPaymentItem, "pi", "", `settlement breakdown "type:sum,type:sum"`)
	for _, name := range []string{"corr-type", "corr-desc", "corr-receipt-date", "corr-receipt-id"} {
		_ = correctionCmd.MarkFlagRequired(name)
	}

	statusCmd.Flags().StringVar(&statusInvoice, "invoice", "", "invoice id")
	statusCmd.Flags().StringVar(&statusReceipt, "receipt", "", "receipt id assigned by the fiscal service")
	statusCmd.MarkFlagsOneRequired("invoice", "receipt")
}

// newInvoiceID generates an invoice id for manual submissions.
func newInvoiceID(prefix string) string {
	return prefix + uuid.NewString()
}

func manualInput(typ ferma.ReceiptType, prefix string) (ferma.ReceiptInput, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(manualAmount))
	if err != nil {
		return ferma.ReceiptInput{}, fmt.Errorf("invalid --amount %q: %w", manualAmount, err)
	}
	invoice := strings.TrimSpace(manualInvoice)
	if invoice == "" {
		invoice = newInvoiceID(prefix)
	}
	return ferma.ReceiptInput{
		Type:               typ,
		InvoiceID:          invoice,
		Amount:             amount,
		Description:        manualDesc,
		Email:              manualEmail,
		Phone:              manualPhone,
		PaymentIdentifiers: manualPID,
		Cashless:           strings.TrimSpace(manualPID) != "",
	}, nil
}

func runReceipt(cmd *cobra.Command, args []string) error {
	in, err := manualInput(ferma.ReceiptIncome, "INV-")
	if err != nil {
		return err
	}
	return submitManual(cmd, in)
}

func runCorrection(cmd *cobra.Command, args []string) error {
	in, err := manualInput(ferma.ReceiptIncomeCorrection, "INV-CORR-")
	if err != nil {
		return err
	}
	in.Correction = &ferma.CorrectionInfo{
		Type:        strings.ToUpper(strings.TrimSpace(corrType)),
		Description: corrDesc,
		ReceiptDate: corrReceiptDate,
		ReceiptID:   corrReceiptID,
	}
	if corrPaymentItem != "" {
		in.PaymentItems = ferma.ParsePaymentItems(corrPaymentItem)
		if len(in.PaymentItems) == 0 {
			return fmt.Errorf("invalid --pi %q, expected type:sum[,type:sum]", corrPaymentItem)
		}
	}
	return submitManual(cmd, in)
}

func submitManual(cmd *cobra.Command, in ferma.ReceiptInput) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	client := ferma.NewClient(cfg.Ferma, logger)

	res, err := client.SubmitReceipt(cmd.Context(), in)
	if err != nil {
		return fmt.Errorf("submit %s receipt %s: %w", in.Type, in.InvoiceID, err)
	}
	return printJSON(map[string]string{
		"type":       string(in.Type),
		"invoice_id": res.InvoiceID,
		"receipt_id": res.ReceiptID,
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	client := ferma.NewClient(cfg.Ferma, logger)

	res, err := client.CheckStatus(cmd.Context(), ferma.StatusQuery{
		InvoiceID: strings.TrimSpace(statusInvoice),
		ReceiptID: strings.TrimSpace(statusReceipt),
	})
	if err != nil {
		return err
	}
	if len(res.Raw) > 0 {
		return printJSON(res.Raw)
	}
	return printJSON(map[string]any{"status_code": res.Code, "ofd_url": res.OfdURL})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FiscalStatus is the status code reported by the fiscal service for a receipt.
type FiscalStatus int

const (
	FiscalUnknown   FiscalStatus = -1
	FiscalNew       FiscalStatus = 0
	FiscalProcessed FiscalStatus = 1
	FiscalConfirmed FiscalStatus = 2
	FiscalKKTError  FiscalStatus = 3
)

var fiscalAliases = map[string]FiscalStatus{
	"NEW":       FiscalNew,
	"PROCESSED": FiscalProcessed,
	"CONFIRMED": FiscalConfirmed,
	"KKT_ERROR": FiscalKKTError,
}

// ParseFiscalStatus accepts the numeric form ("2") or the alias ("CONFIRMED").
// Anything else maps to FiscalUnknown.
func ParseFiscalStatus(raw string) FiscalStatus {
	s := strings.TrimSpace(raw)
	if n, err := strconv.Atoi(s); err == nil {
		return fiscalFromInt(n)
	}
	if st, ok := fiscalAliases[strings.ToUpper(s)]; ok {
		return st
	}
	return FiscalUnknown
}

func fiscalFromInt(n int) FiscalStatus {
	switch st := FiscalStatus(n); st {
	case FiscalNew, FiscalProcessed, FiscalConfirmed, FiscalKKTError:
		return st
	}
	return FiscalUnknown
}

func (s FiscalStatus) Known() bool {
	return s != FiscalUnknown
}

func (s FiscalStatus) String() string {
	for name, st := range fiscalAliases {
		if st == s {
			return name
		}
	}
	return "UNKNOWN"
}

// Target returns the ledger status this code drives a receipt to, if any.
func (s FiscalStatus) Target() (ReceiptStatus, bool) {
	switch s {
	case FiscalProcessed:
		return ReceiptProcessed, true
	case FiscalConfirmed:
		return ReceiptConfirmed, true
	case FiscalKKTError:
		return ReceiptKKTError, true
	}
	return "", false
}

// UnmarshalJSON never fails on an unexpected value: numbers, numeric strings and
// aliases are normalized, everything else becomes FiscalUnknown.
func (s *FiscalStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = FiscalUnknown
	case b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*s = FiscalUnknown
			return nil
		}
		*s = ParseFiscalStatus(str)
	default:
		var f float64
		if err := json.Unmarshal(b, &f); err != nil || f != float64(int(f)) {
			*s = FiscalUnknown
			return nil
		}
		*s = fiscalFromInt(int(f))
	}
	return nil
}

func (s FiscalStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s))), nil
}

package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Details carries the type-specific parameters of a record. One concrete
// struct per transaction type; stored verbatim for audit.
type Details interface {
	Kind() TxType
	Validate() error
}

type AirtimeDetails struct {
	Network string `json:"network"`
	Phone   string `json:"phone"`
}

func (AirtimeDetails) Kind() TxType { return TxAirtime }

func (d AirtimeDetails) Validate() error {
	return requireFields(map[string]string{"network": d.Network, "phone": d.Phone})
}

type DataDetails struct {
	Network  string `json:"network"`
	Phone    string `json:"phone"`
	PlanCode string `json:"plan_code"`
}

func (DataDetails) Kind() TxType { return TxData }

func (d DataDetails) Validate() error {
	return requireFields(map[string]string{"network": d.Network, "phone": d.Phone, "plan_code": d.PlanCode})
}

type ElectricityDetails struct {
	Disco       string `json:"disco"`
	MeterNumber string `json:"meter_number"`
	MeterType   string `json:"meter_type"` // prepaid | postpaid
}

func (ElectricityDetails) Kind() TxType { return TxElectricity }

func (d ElectricityDetails) Validate() error {
	if err := requireFields(map[string]string{"disco": d.Disco, "meter_number": d.MeterNumber}); err != nil {
		return err
	}
	switch d.MeterType {
	case "", "prepaid", "postpaid":
		return nil
	}
	return fmt.Errorf("%w: meter_type must be prepaid or postpaid", ErrInvalidDetails)
}

type CableDetails struct {
	Provider        string `json:"provider"`
	SmartCardNumber string `json:"smart_card_number"`
	PackageCode     string `json:"package_code"`
}

func (CableDetails) Kind() TxType { return TxCable }

func (d CableDetails) Validate() error {
	return requireFields(map[string]string{
		"provider": d.Provider, "smart_card_number": d.SmartCardNumber, "package_code": d.PackageCode,
	})
}

type ExamVoucherDetails struct {
	ExamBody string `json:"exam_body"`
	Quantity int    `json:"quantity"`
}

func (ExamVoucherDetails) Kind() TxType { return TxExamVoucher }

func (d ExamVoucherDetails) Validate() error {
	if err := requireFields(map[string]string{"exam_body": d.ExamBody}); err != nil {
		return err
	}
	if d.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidDetails)
	}
	return nil
}

type FundingDetails struct {
	Gateway     string `json:"gateway,omitempty"`
	ProviderRef string `json:"provider_ref"`
}

func (FundingDetails) Kind() TxType { return TxFunding }

func (d FundingDetails) Validate() error {
	return requireFields(map[string]string{"provider_ref": d.ProviderRef})
}

// AdjustmentDetails describes an admin credit or debit.
type AdjustmentDetails struct {
	Direction   Direction  `json:"direction"`
	WalletType  WalletType `json:"wallet_type"`
	Description string     `json:"description"`
	Actor       string     `json:"actor,omitempty"`
}

func (d AdjustmentDetails) Kind() TxType {
	if d.Direction == DirectionDebit {
		return TxAdminDebit
	}
	return TxAdminCredit
}

func (d AdjustmentDetails) Validate() error {
	if d.Direction != DirectionCredit && d.Direction != DirectionDebit {
		return fmt.Errorf("%w: direction must be credit or debit", ErrInvalidDetails)
	}
	if _, err := ParseWalletType(string(d.WalletType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	return nil
}

type ReversalDetails struct {
	OriginalID       TransactionID `json:"original_id"`
	Reason           string        `json:"reason"`
	CashbackReversed Money         `json:"cashback_reversed"`
}

func (ReversalDetails) Kind() TxType { return TxReversal }

func (d ReversalDetails) Validate() error {
	return requireFields(map[string]string{"original_id": string(d.OriginalID)})
}

// =============================================================================
// ENCODING
// =============================================================================

// EncodeDetails marshals details for storage. Nil details encode as "{}".
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetails unmarshals details stored for a record of type t.
func DecodeDetails(t TxType, raw []byte) (Details, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch t {
	case TxAirtime:
		return decodeAs[AirtimeDetails](raw)
	case TxData:
		return decodeAs[DataDetails](raw)
	case TxElectricity:
		return decodeAs[ElectricityDetails](raw)
	case TxCable:
		return decodeAs[CableDetails](raw)
	case TxExamVoucher:
		return decodeAs[ExamVoucherDetails](raw)
	case TxFunding:
		return decodeAs[FundingDetails](raw)
	case TxAdminCredit, TxAdminDebit:
		return decodeAs[AdjustmentDetails](raw)
	case TxReversal:
		return decodeAs[ReversalDetails](raw)
	}
	return nil, fmt.Errorf("no details schema for type %q", t)
}

func decodeAs[T Details](raw []byte) (Details, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	return v, nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %s", ErrInvalidDetails, strings.Join(missing, ", "))
}

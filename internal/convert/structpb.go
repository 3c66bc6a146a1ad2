// Package convert maps domain models to and from the structpb messages of the admin API.
package convert

import (
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/airchainpay/internal/errs"
	"github.com/and161185/airchainpay/internal/model"
)

// QueuedToStruct converts a queued transaction. The signed payload is omitted.
func QueuedToStruct(q model.QueuedTransaction) (*structpb.Struct, error) {
	m := map[string]any{
		"id":               q.ID.String(),
		"seq":              float64(q.Seq),
		"to":               q.To,
		"amount":           q.Amount,
		"chainId":          q.ChainID,
		"token":            q.TokenSymbol,
		"tokenAddress":     q.TokenAddress,
		"status":           string(q.Status),
		"timestamp":        formatTime(q.Timestamp),
		"txHash":           q.TxHash,
		"from":             q.From,
		"nonce":            float64(q.Nonce),
		"transport":        q.Transport,
		"paymentReference": q.PaymentReference,
		"failureReason":    q.FailureReason,
		"updatedAt":        formatTime(q.UpdatedAt),
	}
	if md := q.Metadata; md != nil {
		m["metadata"] = map[string]any{
			"merchant":  md.Merchant,
			"location":  md.Location,
			"expiry":    float64(md.Expiry),
			"timestamp": float64(md.Timestamp),
		}
	}
	return structpb.NewStruct(m)
}

// QueuedFromStruct is the inverse of QueuedToStruct.
func QueuedFromStruct(s *structpb.Struct) (model.QueuedTransaction, error) {
	var q model.QueuedTransaction
	id, err := uuid.FromString(String(s, "id"))
	if err != nil {
		return q, fmt.Errorf("%w: id: %v", errs.ErrValidation, err)
	}
	q = model.QueuedTransaction{
		ID:               id,
		Seq:              int64(number(s, "seq")),
		To:               String(s, "to"),
		Amount:           String(s, "amount"),
		ChainID:          String(s, "chainId"),
		TokenSymbol:      String(s, "token"),
		TokenAddress:     String(s, "tokenAddress"),
		Status:           model.TxStatus(String(s, "status")),
		Timestamp:        parseTime(String(s, "timestamp")),
		TxHash:           String(s, "txHash"),
		From:             String(s, "from"),
		Nonce:            uint64(number(s, "nonce")),
		Transport:        String(s, "transport"),
		PaymentReference: String(s, "paymentReference"),
		FailureReason:    String(s, "failureReason"),
		UpdatedAt:        parseTime(String(s, "updatedAt")),
	}
	if v, ok := s.GetFields()["metadata"]; ok {
		if md := v.GetStructValue(); md != nil {
			q.Metadata = &model.Metadata{
				Merchant:  String(md, "merchant"),
				Location:  String(md, "location"),
				Expiry:    int64(number(md, "expiry")),
				Timestamp: int64(number(md, "timestamp")),
			}
		}
	}
	return q, nil
}

// QueueToStruct wraps a list of queued transactions as {"items": [...]}.
func QueueToStruct(items []model.QueuedTransaction) (*structpb.Struct, error) {
	list := make([]*structpb.Value, 0, len(items))
	for _, q := range items {
		s, err := QueuedToStruct(q)
		if err != nil {
			return nil, err
		}
		list = append(list, structpb.NewStructValue(s))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"items": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}, nil
}

// QueueFromStruct is the inverse of QueueToStruct.
func QueueFromStruct(s *structpb.Struct) ([]model.QueuedTransaction, error) {
	vals := s.GetFields()["items"].GetListValue().GetValues()
	out := make([]model.QueuedTransaction, 0, len(vals))
	for _, v := range vals {
		q, err := QueuedFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// BalanceToStruct converts a ledger entry; available is included for display.
func BalanceToStruct(b *model.BalanceSnapshot) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"chainId":      b.ChainID,
		"token":        b.Token,
		"known":        b.Known.String(),
		"offlineSpent": b.OfflineSpent.String(),
		"available":    b.Available().String(),
		"updatedAt":    formatTime(b.UpdatedAt),
	})
}

// BalanceFromStruct is the inverse of BalanceToStruct.
func BalanceFromStruct(s *structpb.Struct) (*model.BalanceSnapshot, error) {
	known, err := decimal.NewFromString(String(s, "known"))
	if err != nil {
		return nil, fmt.Errorf("%w: known: %v", errs.ErrValidation, err)
	}
	spent, err := decimal.NewFromString(String(s, "offlineSpent"))
	if err != nil {
		return nil, fmt.Errorf("%w: offlineSpent: %v", errs.ErrValidation, err)
	}
	return &model.BalanceSnapshot{
		ChainID:      String(s, "chainId"),
		Token:        String(s, "token"),
		Known:        known,
		OfflineSpent: spent,
		UpdatedAt:    parseTime(String(s, "updatedAt")),
	}, nil
}

// String returns the string field name of s, or "" when absent.
func String(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// RequireString returns a non-empty string field or a validation error.
func RequireString(s *structpb.Struct, name string) (string, error) {
	v := String(s, name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errs.ErrValidation, name)
	}
	return v, nil
}

// Uint returns a non-negative integral number field. Absent fields read as 0.
func Uint(s *structpb.Struct, name string) (uint64, error) {
	f := number(s, name)
	if f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errs.ErrValidation, name)
	}
	return uint64(f), nil
}

func number(s *structpb.Struct, name string) float64 {
	return s.GetFields()[name].GetNumberValue()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

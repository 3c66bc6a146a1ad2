package repository

import (
	"encoding/json"

	"github.com/and161185/airchainpay/internal/model"
)

// EncodeMetadata renders m for a text column. nil becomes the empty string.
func EncodeMetadata(m *model.Metadata) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(s string) (*model.Metadata, error) {
	if s == "" {
		return nil, nil
	}
	var m model.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

package radio

import (
	"strings"
	"unicode/utf8"

	"github.com/and161185/airchainpay/internal/model"
)

// MatchesPrefix reports whether an advertisement belongs to a payment device.
func MatchesPrefix(name string, manufacturerData []byte, prefix string) bool {
	if prefix == "" {
		return false
	}
	n := strings.ToLower(name)
	p := strings.ToLower(prefix)
	switch {
	case n == p,
		strings.HasPrefix(n, p+"-"),
		strings.HasPrefix(n, p+"_"),
		n != "" && strings.Contains(n, p):
		return true
	}
	if len(manufacturerData) > 0 && utf8.Valid(manufacturerData) {
		return strings.Contains(strings.ToLower(string(manufacturerData)), p)
	}
	return false
}

// ParsePaymentData extracts recipient and token from "<prefix>_<0x address>_<TOKEN>".
// It returns nil for names that do not follow the format.
func ParsePaymentData(name, prefix string, supported []string) *model.PaymentData {
	if len(name) <= len(prefix)+1 || !strings.EqualFold(name[:len(prefix)], prefix) || name[len(prefix)] != '_' {
		return nil
	}
	fields := strings.Split(name[len(prefix)+1:], "_")
	if len(fields) != 2 {
		return nil
	}
	addr, token := fields[0], strings.ToUpper(fields[1])
	if !model.IsAddress(addr) {
		return nil
	}
	ok := false
	for _, s := range supported {
		if strings.EqualFold(s, token) {
			ok = true
			break
		}
	}
	if !ok {
		return nil
	}
	return &model.PaymentData{
		WalletAddress: addr,
		Token:         token,
		Amount:        "0",
	}
}

// AdvertisedName builds the name ParsePaymentData understands.
func AdvertisedName(prefix, wallet, token string) string {
	if wallet == "" || token == "" {
		return prefix
	}
	return prefix + "_" + wallet + "_" + strings.ToUpper(token)
}

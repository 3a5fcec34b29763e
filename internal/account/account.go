// Package account parses the identifiers clients use on the wire: account
// names, asset IDs and currency amounts.
package account

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketplace-engine/internal/model"
)

// addressRegex matches a 20-byte hex address: 0x followed by 40 hex digits.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// handleRegex matches a named account such as "marketplace" or "account1".
var handleRegex = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

var (
	ErrInvalidAccount = errors.New("account: invalid account")
	ErrInvalidAssetID = errors.New("account: invalid asset id")
	ErrInvalidAmount  = errors.New("account: invalid amount")
)

// Parse validates an account identifier. Hex addresses are lower-cased so
// the same address always maps to the same account.
func Parse(s string) (model.Account, error) {
	s = strings.TrimSpace(s)
	switch {
	case addressRegex.MatchString(s):
		return model.Account(strings.ToLower(s)), nil
	case handleRegex.MatchString(s):
		return model.Account(s), nil
	default:
		return model.NoAccount, fmt.Errorf("%w: %q (expected 0x{40 hex} or a lower-case name)", ErrInvalidAccount, s)
	}
}

// ParseAssetID parses "7" or "#7". Zero is never minted and is rejected.
func ParseAssetID(s string) (model.AssetID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAssetID, s)
	}
	return model.AssetID(n), nil
}

// ParseAmount parses a decimal currency amount. Sign checks are left to the
// operation receiving it.
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return amount, nil
}

package viva

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ErrMalformedAmount reports an amount that is not a whole number of minor units.
var ErrMalformedAmount = errors.New("viva: malformed amount")

// ParseAmountCents converts a provider amount into minor units. Integral
// decimal renderings such as "1000.0" are accepted; fractional cents are not.
func ParseAmountCents(raw json.Number) (ledger.AmountCents, error) {
	text := strings.TrimSpace(raw.String())
	if text == "" {
		return 0, nil
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, text)
	}
	if !value.IsInteger() || value.IsNegative() {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, text)
	}
	if !value.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q out of range", ErrMalformedAmount, text)
	}
	return ledger.AmountCents(value.IntPart()), nil
}

// FlexibleString decodes a JSON string or number into its textual form, so
// order codes that overflow float64 survive decoding.
type FlexibleString string

func (value *FlexibleString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*value = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*value = FlexibleString(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*value = FlexibleString(number.String())
	return nil
}

func (value FlexibleString) String() string {
	return string(value)
}

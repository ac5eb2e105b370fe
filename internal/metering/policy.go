// Package metering prices chat turns and bills them against the ledger.
package metering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	DefaultBaseInputPerMillion  = "0.30"
	DefaultBaseOutputPerMillion = "2.50"
	DefaultMargin               = "3.0"
	DefaultOverhead             = "0.01"
	DefaultVATRate              = "0.24"

	tokensPerMillion = 1_000_000
	microsPlaces     = 6
)

// ErrInvalidPolicy reports a malformed or negative pricing parameter.
var ErrInvalidPolicy = errors.New("metering: invalid policy")

// PolicyConfig holds pricing parameters as decimal strings. Empty fields take
// the defaults. InputTokenPrice and OutputTokenPrice, when set, replace the
// margin-derived per-token prices.
type PolicyConfig struct {
	BaseInputPerMillion  string
	BaseOutputPerMillion string
	Margin               string
	Overhead             string
	VATRate              string
	InputTokenPrice      string
	OutputTokenPrice     string
}

// Policy computes the gross charge of a turn in currency units.
type Policy struct {
	inputPrice  decimal.Decimal
	outputPrice decimal.Decimal
	overhead    decimal.Decimal
	vatRate     decimal.Decimal
}

// NewPolicy parses config into a Policy.
func NewPolicy(config PolicyConfig) (Policy, error) {
	baseInput, err := parseNonNegative("base_input_per_million", config.BaseInputPerMillion, DefaultBaseInputPerMillion)
	if err != nil {
		return Policy{}, err
	}
	baseOutput, err := parseNonNegative("base_output_per_million", config.BaseOutputPerMillion, DefaultBaseOutputPerMillion)
	if err != nil {
		return Policy{}, err
	}
	margin, err := parseNonNegative("margin", config.Margin, DefaultMargin)
	if err != nil {
		return Policy{}, err
	}
	overhead, err := parseNonNegative("overhead", config.Overhead, DefaultOverhead)
	if err != nil {
		return Policy{}, err
	}
	vatRate, err := parseNonNegative("vat_rate", config.VATRate, DefaultVATRate)
	if err != nil {
		return Policy{}, err
	}
	million := decimal.NewFromInt(tokensPerMillion)
	inputPrice, err := parseNonNegative("input_token_price", config.InputTokenPrice, baseInput.Div(million).Mul(margin).String())
	if err != nil {
		return Policy{}, err
	}
	outputPrice, err := parseNonNegative("output_token_price", config.OutputTokenPrice, baseOutput.Div(million).Mul(margin).String())
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		inputPrice:  inputPrice,
		outputPrice: outputPrice,
		overhead:    overhead,
		vatRate:     vatRate,
	}, nil
}

// DefaultPolicy returns the policy with every parameter at its default.
func DefaultPolicy() Policy {
	policy, err := NewPolicy(PolicyConfig{})
	if err != nil {
		panic(err)
	}
	return policy
}

// Charge returns (input*inputPrice + output*outputPrice + overhead) * (1 + vat).
func (policy Policy) Charge(inputTokens int64, outputTokens int64) decimal.Decimal {
	net := policy.inputPrice.Mul(decimal.NewFromInt(inputTokens)).
		Add(policy.outputPrice.Mul(decimal.NewFromInt(outputTokens))).
		Add(policy.overhead)
	return net.Mul(decimal.NewFromInt(1).Add(policy.vatRate))
}

// ChargeMicros rounds Charge half away from zero to whole micros.
func (policy Policy) ChargeMicros(inputTokens int64, outputTokens int64) ledger.Micros {
	return ledger.Micros(policy.Charge(inputTokens, outputTokens).Round(microsPlaces).Shift(microsPlaces).IntPart())
}

// InputTokenPrice is the gross-of-margin, net-of-VAT price of one input token.
func (policy Policy) InputTokenPrice() decimal.Decimal {
	return policy.inputPrice
}

// OutputTokenPrice is the gross-of-margin, net-of-VAT price of one output token.
func (policy Policy) OutputTokenPrice() decimal.Decimal {
	return policy.outputPrice
}

func parseNonNegative(field string, raw string, fallback string) (decimal.Decimal, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = fallback
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, field, err)
	}
	if parsed.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, field)
	}
	return parsed, nil
}

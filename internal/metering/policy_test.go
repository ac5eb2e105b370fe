package metering

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

func TestDefaultPolicyCharges(test *testing.T) {
	test.Parallel()
	policy := DefaultPolicy()
	cases := []struct {
		name   string
		input  int64
		output int64
		want   ledger.Micros
	}{
		{name: "zero tokens pay overhead with vat", want: 12_400},
		{name: "mixed turn", input: 1000, output: 500, want: 18_166},
		{name: "one million input tokens", input: 1_000_000, want: 1_128_400},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := policy.ChargeMicros(testCase.input, testCase.output); got != testCase.want {
				test.Fatalf("expected %d micros, got %d", testCase.want, got)
			}
		})
	}
}

func TestChargeIsMonotonic(test *testing.T) {
	test.Parallel()
	policy := DefaultPolicy()
	previous := policy.Charge(0, 0)
	for tokens := int64(1); tokens <= 2000; tokens += 37 {
		current := policy.Charge(tokens, tokens/2)
		if current.LessThan(previous) {
			test.Fatalf("charge decreased at %d tokens: %s < %s", tokens, current, previous)
		}
		previous = current
	}
}

func TestPolicyOverrides(test *testing.T) {
	test.Parallel()
	policy, err := NewPolicy(PolicyConfig{
		InputTokenPrice:  "0.0000001",
		OutputTokenPrice: "0",
		Overhead:         "0",
		VATRate:          "0",
	})
	if err != nil {
		test.Fatalf("new policy: %v", err)
	}
	if got := policy.ChargeMicros(5, 100); got != 1 {
		test.Fatalf("expected half-micro to round up to 1, got %d", got)
	}
	if got := policy.ChargeMicros(4, 0); got != 0 {
		test.Fatalf("expected 0.4 micro to round down, got %d", got)
	}

	margin, err := NewPolicy(PolicyConfig{Margin: "1", Overhead: "0", VATRate: "0"})
	if err != nil {
		test.Fatalf("new policy: %v", err)
	}
	if got := margin.ChargeMicros(1_000_000, 0); got != 300_000 {
		test.Fatalf("expected at-cost charge of 300000 micros, got %d", got)
	}
}

func TestNewPolicyRejectsInvalidValues(test *testing.T) {
	test.Parallel()
	for _, config := range []PolicyConfig{
		{Margin: "-1"},
		{VATRate: "abc"},
		{InputTokenPrice: "-0.1"},
	} {
		if _, err := NewPolicy(config); !errors.Is(err, ErrInvalidPolicy) {
			test.Fatalf("expected ErrInvalidPolicy for %+v, got %v", config, err)
		}
	}
}

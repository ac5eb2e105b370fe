package viva

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAmountCents(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "1000", want: 1000},
		{raw: "1000.00", want: 1000},
		{raw: "", want: 0},
		{raw: "10.5", wantErr: true},
		{raw: "-5", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "99999999999999999999999", wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := ParseAmountCents(json.Number(testCase.raw))
		if testCase.wantErr {
			if !errors.Is(err, ErrMalformedAmount) {
				test.Fatalf("%q: expected ErrMalformedAmount, got %v", testCase.raw, err)
			}
			continue
		}
		if err != nil || got.Int64() != testCase.want {
			test.Fatalf("%q: expected %d, got %d (%v)", testCase.raw, testCase.want, got, err)
		}
	}
}

func TestDecodeWebhookKeepsExactFields(test *testing.T) {
	test.Parallel()
	body := []byte(`{"EventData":{"TransactionId":"T1","OrderCode":9007199254740993,"Amount":1000,"MerchantTrns":"alice","StatusId":"F","ElectronicCommerceIndicator":"5"},"EventTypeId":1796}`)
	payload, err := DecodeWebhook(body)
	if err != nil {
		test.Fatalf("decode: %v", err)
	}
	if payload.EventData.OrderCode.String() != "9007199254740993" {
		test.Fatalf("order code lost precision: %s", payload.EventData.OrderCode)
	}
	if payload.EventData.ECI() != 5 || payload.EventIdentifier() != 1796 {
		test.Fatalf("unexpected eci/event: %d %d", payload.EventData.ECI(), payload.EventIdentifier())
	}
	explicit := int64(42)
	payload.EventID = &explicit
	if payload.EventIdentifier() != 42 {
		test.Fatalf("expected explicit event id")
	}
}

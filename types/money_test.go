package types

import (
	"encoding/json"
	"testing"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		display string
	}{
		{"EUR", EUR(25000), "€250.00"},
		{"EUR credit", EUR(-25000), "€-250.00"},
		{"USD cents", USD(1), "$0.01"},
		{"JPY", JPY(100), "¥100"},
		{"Zero", Zero("EUR"), "€0.00"},
		{"Unknown", New(500, "sek"), "SEK 5.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.display {
				t.Errorf("String: got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestMoneyCreditSigns(t *testing.T) {
	tests := []struct {
		name     string
		got      Money
		expected Money
	}{
		{"credit of positive", EUR(25000).AsCredit(), EUR(-25000)},
		{"credit of negative", EUR(-25000).AsCredit(), EUR(-25000)},
		{"reversal of positive", EUR(25000).AsReversal(), EUR(25000)},
		{"reversal of negative", EUR(-25000).AsReversal(), EUR(25000)},
		{"negate", EUR(100).Negate(), EUR(-100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.got.Equal(tt.expected) {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestMoneyCreditCycleNetsToOneCredit(t *testing.T) {
	amount := EUR(25000)
	net := Sum("eur", amount.AsCredit(), amount.AsReversal(), amount.AsCredit())
	if !net.Equal(EUR(-25000)) {
		t.Errorf("net: got %v, want %v", net, EUR(-25000))
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for currency mismatch")
		}
	}()
	_ = USD(100).Add(EUR(100))
}

func TestMoneyDecimal(t *testing.T) {
	if got := EUR(25000).Decimal().String(); got != "250" {
		t.Errorf("Decimal: got %s, want 250", got)
	}
	if got := EUR(1999).Decimal().String(); got != "19.99" {
		t.Errorf("Decimal: got %s, want 19.99", got)
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(EUR(25000))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	expected := `{"amount":25000,"currency":"eur","display":"€250.00"}`
	if string(data) != expected {
		t.Errorf("JSON: got %s, want %s", string(data), expected)
	}
}

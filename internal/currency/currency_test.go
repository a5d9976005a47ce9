package currency

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in     string
		amount float64
		code   string
		symbol string
	}{
		{"TRY 219.99", 219.99, "TRY", "₺"},
		{"$5.00", 5, "USD", "$"},
		{"USD 1,234.56", 1234.56, "USD", "$"},
		{"€10,50", 10.5, "EUR", "€"},
		{"1.234,56 €", 1234.56, "EUR", "€"},
		{"£20", 20, "GBP", "£"},
		{"¥1,000", 1000, "JPY", "¥"},
		{"₩10,000", 10000, "KRW", "₩"},
		{"R$25,00", 25, "BRL", "R$"},
		{"RUB 500", 500, "RUB", "₽"},
		{"₽300", 300, "RUB", "₽"},
		{"10 zł", 10, "PLN", "zł"},
		{"PLN 10", 10, "PLN", "zł"},
		{"฿100", 100, "THB", "฿"},
		{"₱50.00", 50, "PHP", "₱"},
		{"RM 15.90", 15.9, "MYR", "RM"},
		{"R 100", 100, "ZAR", "R"},
		{"ZAR 100", 100, "ZAR", "R"},
		{"₦1,500", 1500, "NGN", "₦"},
		{"₺50", 50, "TRY", "₺"},
		{"eur 3", 3, "EUR", "€"},
		{"5.00 USD", 5, "USD", "$"},
		{"CA$2.00", 2, "CA$", "CA$"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := Parse(tc.in)
			if !got.Success {
				t.Fatalf("Parse(%q) failed", tc.in)
			}
			if math.Abs(got.Amount-tc.amount) > 1e-9 || got.Currency != tc.code || got.Symbol != tc.symbol {
				t.Fatalf("Parse(%q) = %+v, want %v %s %s", tc.in, got, tc.amount, tc.code, tc.symbol)
			}
			if got.Original != tc.in {
				t.Fatalf("original not preserved: %q", got.Original)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "   ", "$", "USD", "free", "$abc", "12-34", "€€€", "\xff\xfe"} {
		if got := Parse(in); got.Success {
			t.Fatalf("Parse(%q) unexpectedly succeeded: %+v", in, got)
		}
	}
	if got := ParseAny(42); got.Success {
		t.Fatalf("non-string input should fail")
	}
	if got := ParseAny(nil); got.Success {
		t.Fatalf("nil input should fail")
	}
}

func TestEverySupportedCodeRoundTrips(t *testing.T) {
	for code, sym := range codeSymbols {
		got := Parse(code + " 12.34")
		if !got.Success || got.Currency != code || got.Symbol != sym || got.Amount != 12.34 {
			t.Fatalf("code %s: %+v", code, got)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(5, "USD"); got != "$5.00" {
		t.Fatalf("Format = %q", got)
	}
	if got := Format(1.5, "XYZ"); got != "1.50 XYZ" {
		t.Fatalf("Format = %q", got)
	}
}

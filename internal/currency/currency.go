// Package currency parses the localized money strings shown on paid chat
// messages ("$5.00", "TRY 219.99", "1.234,56 €") into amount and ISO code.
package currency

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Result is the outcome of Parse. On failure Success is false and the other
// fields other than Original are zero.
type Result struct {
	Success  bool
	Amount   float64
	Decimal  decimal.Decimal
	Currency string
	Symbol   string
	Original string
}

var codeSymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"KRW": "₩",
	"BRL": "R$",
	"RUB": "₽",
	"PLN": "zł",
	"THB": "฿",
	"PHP": "₱",
	"MYR": "RM",
	"ZAR": "R",
	"NGN": "₦",
	"TRY": "₺",
}

// symbols is ordered longest first so "R$" and "RM" win over "R".
var symbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"},
	{"RM", "MYR"},
	{"zł", "PLN"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₩", "KRW"},
	{"₽", "RUB"},
	{"฿", "THB"},
	{"₱", "PHP"},
	{"₦", "NGN"},
	{"₺", "TRY"},
	{"R", "ZAR"},
}

// Symbol returns the display symbol for an ISO code.
func Symbol(code string) (string, bool) {
	s, ok := codeSymbols[strings.ToUpper(strings.TrimSpace(code))]
	return s, ok
}

// Supported reports whether code is one of the recognised currencies.
func Supported(code string) bool {
	_, ok := Symbol(code)
	return ok
}

// ParseAny accepts arbitrary decoded JSON and parses it when it is a string.
func ParseAny(v any) Result {
	s, ok := v.(string)
	if !ok {
		return Result{}
	}
	return Parse(s)
}

// Parse extracts amount and currency from s. It never panics.
func Parse(s string) Result {
	original := s
	s = strings.TrimSpace(strings.ReplaceAll(s, " ", " "))
	if s == "" {
		return Result{Original: original}
	}

	if code, rest, ok := splitCode(s); ok {
		return build(rest, code, codeSymbols[code], original)
	}
	for _, sym := range symbols {
		if rest, ok := trimAffix(s, sym.symbol); ok {
			return build(rest, sym.code, sym.symbol, original)
		}
	}

	// Unknown prefix such as "CA$" or "MX$": keep it verbatim as the currency.
	idx := strings.IndexFunc(s, unicode.IsDigit)
	if idx <= 0 {
		return Result{Original: original}
	}
	prefix := strings.TrimSpace(s[:idx])
	return build(s[idx:], strings.ToUpper(prefix), prefix, original)
}

func splitCode(s string) (code, rest string, ok bool) {
	if len(s) < 3 {
		return "", "", false
	}
	if head := strings.ToUpper(s[:3]); Supported(head) && (len(s) == 3 || !isLetter(s[3])) {
		return head, s[3:], true
	}
	if tail := strings.ToUpper(s[len(s)-3:]); Supported(tail) && (len(s) == 3 || !isLetter(s[len(s)-4])) {
		return tail, s[:len(s)-3], true
	}
	return "", "", false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func trimAffix(s, sym string) (string, bool) {
	if strings.HasPrefix(s, sym) {
		rest := s[len(sym):]
		if rest == "" || !startsWithLetter(rest) {
			return rest, true
		}
	}
	if strings.HasSuffix(s, sym) {
		rest := s[:len(s)-len(sym)]
		if rest != "" && !endsWithLetter(rest) {
			return rest, true
		}
	}
	return "", false
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return unicode.IsLetter(r)
	}
	return false
}

func endsWithLetter(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsLetter(r[len(r)-1])
}

func build(raw, code, symbol, original string) Result {
	d, ok := parseAmount(raw)
	if !ok {
		return Result{Original: original}
	}
	f, _ := d.Float64()
	return Result{
		Success:  true,
		Amount:   f,
		Decimal:  d,
		Currency: code,
		Symbol:   symbol,
		Original: original,
	}
}

// parseAmount accepts US ("1,234.56") and European ("1.234,56") grouping.
func parseAmount(raw string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == ' ', r == '\'', r == ' ':
		default:
			return decimal.Decimal{}, false
		}
	}
	s := b.String()
	if s == "" || strings.IndexFunc(s, unicode.IsDigit) < 0 {
		return decimal.Decimal{}, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Format renders amount with the currency symbol when known.
func Format(amount float64, code string) string {
	d := decimal.NewFromFloat(amount).StringFixed(2)
	if sym, ok := Symbol(code); ok {
		return sym + d
	}
	if code == "" {
		return d
	}
	return d + " " + code
}

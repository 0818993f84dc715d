package utils

import (
	"fmt"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Locale formats values for one language, timezone and currency.
type Locale struct {
	Tag      language.Tag
	Location *time.Location
	Currency currency.Unit
}

// DefaultLocale is en/UTC/EUR.
var DefaultLocale = Locale{Tag: language.English, Location: time.UTC, Currency: currency.EUR}

// NewLocale parses a BCP 47 language tag, an IANA timezone and an ISO 4217
// currency code. Empty arguments keep the defaults.
func NewLocale(lang, tz, cur string) (Locale, error) {
	l := DefaultLocale
	if lang != "" {
		tag, err := language.Parse(lang)
		if err != nil {
			return Locale{}, fmt.Errorf("parse language %q: %w", lang, err)
		}
		l.Tag = tag
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Locale{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		l.Location = loc
	}
	if cur != "" {
		unit, err := currency.ParseISO(cur)
		if err != nil {
			return Locale{}, fmt.Errorf("parse currency %q: %w", cur, err)
		}
		l.Currency = unit
	}
	return l, nil
}

// Go reference layouts per base language: date, datetime.
var dateLayouts = map[string][2]string{
	"en": {"01/02/2006", "01/02/2006 15:04"},
	"nl": {"02-01-2006", "02-01-2006 15:04"},
	"de": {"02.01.2006", "02.01.2006 15:04"},
	"fr": {"02/01/2006", "02/01/2006 15:04"},
}

func (l Locale) layouts() [2]string {
	base, _ := l.Tag.Base()
	if layouts, ok := dateLayouts[base.String()]; ok {
		return layouts
	}
	return [2]string{"2006-01-02", "2006-01-02 15:04"}
}

func (l Locale) location() *time.Location {
	if l.Location == nil {
		return time.UTC
	}
	return l.Location
}

// FormatDate renders t as a locale date.
func (l Locale) FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(l.layouts()[0])
}

// FormatDateTime renders t in the locale timezone.
func (l Locale) FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(l.location()).Format(l.layouts()[1])
}

// FormatNumber renders v with locale digit grouping and, for floats, a
// fixed number of decimals.
func (l Locale) FormatNumber(v any, decimals int) string {
	p := message.NewPrinter(l.Tag)
	switch n := v.(type) {
	case float32, float64:
		return p.Sprint(number.Decimal(n, number.MinFractionDigits(decimals), number.MaxFractionDigits(decimals)))
	default:
		return p.Sprint(number.Decimal(n))
	}
}

// FormatPrice renders amount with the currency ISO code and the
// currency's standard number of decimals.
func (l Locale) FormatPrice(amount float64) string {
	scale, _ := currency.Standard.Rounding(l.Currency)
	return l.Currency.String() + " " + l.FormatNumber(amount, scale)
}

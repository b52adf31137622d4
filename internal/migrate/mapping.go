package migrate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceRow is one loosely-structured legacy record, keyed by whatever column
// names the source happened to use.
type SourceRow map[string]string

// RowKind distinguishes member rows from fee ledger rows in the input.
type RowKind string

// Supported legacy row kinds.
const (
	KindMember RowKind = "member"
	KindFee    RowKind = "fee"
)

// Source is one batch of legacy rows sharing a column layout. A nil Mapping
// selects the default mapping for the kind.
type Source struct {
	Name    string
	Kind    RowKind
	Rows    []SourceRow
	Mapping ColumnMapping
}

// TransformFunc normalizes a raw legacy cell value.
type TransformFunc func(string) string

// FieldMapping resolves one canonical field: legacy columns are tried in
// order and the first non-blank value wins, then the transform applies.
// Default fills the field when no column yields a value.
type FieldMapping struct {
	Columns   []string
	Transform TransformFunc
	Default   string
}

// ColumnMapping maps canonical field names to their legacy column lookup.
type ColumnMapping map[string]FieldMapping

// apply resolves a legacy row into canonical field -> value. Column lookup is
// case-insensitive: headers arrive as "Email", "E-MAIL", "email" across
// sheets.
func (m ColumnMapping) apply(row SourceRow) map[string]string {
	normalized := make(map[string]string, len(row))
	for col, v := range row {
		normalized[strings.ToLower(strings.TrimSpace(col))] = v
	}
	out := make(map[string]string, len(m))
	for field, fm := range m {
		value := ""
		for _, col := range fm.Columns {
			if v, ok := normalized[col]; ok && strings.TrimSpace(v) != "" {
				value = v
				break
			}
		}
		if fm.Transform != nil {
			value = fm.Transform(value)
		} else {
			value = strings.TrimSpace(value)
		}
		if value == "" {
			value = fm.Default
		}
		out[field] = value
	}
	return out
}

// Trim strips surrounding whitespace.
func Trim(v string) string { return strings.TrimSpace(v) }

// Lower trims and lowercases, the canonical email/enum normalization.
func Lower(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

// Snake trims, lowercases and joins words with underscores, normalizing
// values like "Bank Transfer" to "bank_transfer".
func Snake(v string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(v)), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// DefaultMemberMapping covers the column spellings seen across the legacy
// member sheets.
func DefaultMemberMapping() ColumnMapping {
	return ColumnMapping{
		"email":          {Columns: []string{"email", "e-mail", "mail", "email address"}, Transform: Lower},
		"name":           {Columns: []string{"name", "full name", "member name"}, Transform: Trim},
		"status":         {Columns: []string{"status", "member status", "grade"}, Transform: Lower, Default: "beginner"},
		"payment_status": {Columns: []string{"payment_status", "payment", "fee status"}, Transform: Lower, Default: "unset"},
		"track":          {Columns: []string{"track", "course"}, Transform: Trim},
		"team":           {Columns: []string{"team", "project team"}, Transform: Trim},
		"join_date":      {Columns: []string{"join_date", "joined", "joined at", "registration date"}, Transform: Trim},
		"last_updated":   {Columns: []string{"last_updated", "updated", "updated at", "modified"}, Transform: Trim},
	}
}

// DefaultFeeMapping covers the column spellings seen across the legacy fee
// sheets. Rows without an explicit channel default to bank transfer, the only
// channel the legacy sheet assumed.
func DefaultFeeMapping() ColumnMapping {
	return ColumnMapping{
		"email":     {Columns: []string{"email", "e-mail", "member email", "member"}, Transform: Lower},
		"amount":    {Columns: []string{"amount", "fee", "paid amount"}, Transform: Trim},
		"paid_date": {Columns: []string{"paid_date", "paid at", "date", "payment date"}, Transform: Trim},
		"method":    {Columns: []string{"method", "payment method", "channel"}, Transform: Snake, Default: "bank_transfer"},
		"period":    {Columns: []string{"period", "semester", "term"}, Transform: Trim},
		"notes":     {Columns: []string{"notes", "note", "memo"}, Transform: Trim},
	}
}

func defaultMapping(kind RowKind) ColumnMapping {
	if kind == KindFee {
		return DefaultFeeMapping()
	}
	return DefaultMemberMapping()
}

// dateLayouts are tried in order when parsing legacy date cells.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
}

// parseDate parses a legacy date cell against the fallback layouts. Blank
// cells parse to the zero time without error.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", v)
}

// parseAmount parses a legacy numeric cell, tolerating thousands separators.
// Blank cells take the default without error.
func parseAmount(v string, def int64) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	v = strings.ReplaceAll(v, ",", "")
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", v)
	}
	return n, nil
}

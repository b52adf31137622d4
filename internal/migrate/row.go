package migrate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// rowValidator checks canonical rows after column mapping. One instance is
// shared; the validator is safe for concurrent use.
var rowValidator = validator.New()

// memberRow is a member record in canonical form, carrying its provenance for
// the error and review sinks.
type memberRow struct {
	source   string
	index    int
	original SourceRow

	Email         string `validate:"required,email"`
	Name          string `validate:"required"`
	Status        string `validate:"omitempty,oneof=beginner regular mentor alumni"`
	PaymentStatus string `validate:"omitempty,oneof=unpaid paid exempt unset"`
	Track         string
	Team          string
	JoinDate      time.Time `validate:"-"`
	LastUpdated   time.Time `validate:"-"`
}

// feeRow is a ledger record in canonical form. The member reference stays an
// email until commit time, when it resolves against the migrated roster.
type feeRow struct {
	source   string
	index    int
	original SourceRow

	MemberEmail string    `validate:"required,email"`
	Amount      int64     `validate:"required,gt=0"`
	PaidDate    time.Time `validate:"required"`
	Method      string    `validate:"omitempty,oneof=bank_transfer cash mobile_payment"`
	Period      string    `validate:"required"`
	Notes       string
}

// buildMemberRow maps and parses one legacy member record. Parse and
// validation failures return a reason for the error sink.
func buildMemberRow(source string, index int, raw SourceRow, mapping ColumnMapping) (memberRow, string) {
	fields := mapping.apply(raw)
	row := memberRow{
		source:        source,
		index:         index,
		original:      raw,
		Email:         fields["email"],
		Name:          fields["name"],
		Status:        fields["status"],
		PaymentStatus: fields["payment_status"],
		Track:         fields["track"],
		Team:          fields["team"],
	}
	var err error
	if row.JoinDate, err = parseDate(fields["join_date"]); err != nil {
		return row, "join_date: " + err.Error()
	}
	if row.LastUpdated, err = parseDate(fields["last_updated"]); err != nil {
		return row, "last_updated: " + err.Error()
	}
	if reason := validateRow(row); reason != "" {
		return row, reason
	}
	return row, ""
}

// buildFeeRow maps and parses one legacy fee record.
func buildFeeRow(source string, index int, raw SourceRow, mapping ColumnMapping) (feeRow, string) {
	fields := mapping.apply(raw)
	row := feeRow{
		source:      source,
		index:       index,
		original:    raw,
		MemberEmail: fields["email"],
		Method:      fields["method"],
		Period:      fields["period"],
		Notes:       fields["notes"],
	}
	var err error
	if row.Amount, err = parseAmount(fields["amount"], 0); err != nil {
		return row, "amount: " + err.Error()
	}
	if row.PaidDate, err = parseDate(fields["paid_date"]); err != nil {
		return row, "paid_date: " + err.Error()
	}
	if reason := validateRow(row); reason != "" {
		return row, reason
	}
	return row, ""
}

// validateRow runs tag validation and flattens failures into a single
// reason string, one clause per failed field.
func validateRow(row any) string {
	err := rowValidator.Struct(row)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	clauses := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		clauses = append(clauses, fmt.Sprintf("%s: failed %q check", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(clauses, "; ")
}

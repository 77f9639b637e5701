package invoice

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

// LineInput is one submitted line of a new invoice.
type LineInput struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   money.Money     `json:"unit_price"`
}

// EditOp is the kind of change a LineEdit makes.
type EditOp string

const (
	EditAdd    EditOp = "add"
	EditUpdate EditOp = "update"
	EditRemove EditOp = "remove"
)

// LineEdit is one submitted change to an existing invoice's lines. Update
// replaces the description, quantity and unit price of LineID.
type LineEdit struct {
	Op          EditOp          `json:"op" validate:"required,oneof=add update remove"`
	LineID      string          `json:"line_id,omitempty" validate:"required_unless=Op add"`
	Description string          `json:"description,omitempty" validate:"required_unless=Op remove,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   money.Money     `json:"unit_price"`
}

// LineChange is a validated edit with its line total already computed. New
// lines carry their ID; the store assigns Position.
type LineChange struct {
	Op   EditOp
	Line LineItem
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and reports the first failure as a
// ValidationError.
func validateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validating input: %w", err)
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return &ValidationError{Field: field, Message: validationMessage(fe)}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless", "required_without":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	}
	return fmt.Sprintf("failed %q", fe.Tag())
}

func resolveLine(field, description string, quantity decimal.Decimal, unitPrice money.Money) (LineItem, error) {
	total, err := money.LineTotal(quantity, unitPrice)
	if err != nil {
		return LineItem{}, &ValidationError{Field: field, Message: err.Error(), Err: ErrInvalidAmount}
	}
	return LineItem{
		Description: strings.TrimSpace(description),
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		LineTotal:   total,
	}, nil
}

// Tax rates are stored with four decimals and below 1000%.
const taxRateScale = 4

var taxRateLimit = decimal.NewFromInt(1000)

func resolveTaxRate(field string, rate decimal.Decimal) error {
	var msg string
	switch {
	case rate.IsNegative():
		msg = fmt.Sprintf("tax rate must not be negative, got %s", rate.String())
	case !rate.Equal(rate.Truncate(taxRateScale)):
		msg = fmt.Sprintf("tax rate %s has more than %d decimals", rate.String(), taxRateScale)
	case rate.GreaterThanOrEqual(taxRateLimit):
		msg = fmt.Sprintf("tax rate %s must be below %s", rate.String(), taxRateLimit.String())
	default:
		return nil
	}
	return &ValidationError{Field: field, Message: msg, Err: ErrInvalidAmount}
}

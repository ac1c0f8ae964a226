// Package validation plugs go-playground/validator into echo so handlers can
// call c.Validate on request DTOs.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// FieldError describes one failed rule on one request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// Error is returned by Validator.Validate. It renders through apierror as a
// 422 with the failed fields in details.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", f.Field, f.Rule, f.Param))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", f.Field, f.Rule))
		}
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (e *Error) ErrorKind() string { return "validation" }

func (e *Error) ErrorDetails() map[string]any {
	fields := make([]map[string]any, 0, len(e.Fields))
	for _, f := range e.Fields {
		m := map[string]any{"field": f.Field, "rule": f.Rule}
		if f.Param != "" {
			m["param"] = f.Param
		}
		fields = append(fields, m)
	}
	return map[string]any{"fields": fields}
}

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

var _ echo.Validator = (*Validator)(nil)

// New returns a Validator that reports fields by their json names and knows
// the scheduling tags "weekday" and "clock".
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("weekday", isWeekday)
	_ = v.RegisterValidation("clock", isClock)
	return &Validator{v: v}
}

func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fieldPath(fe.Namespace()),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func isWeekday(fl validator.FieldLevel) bool {
	switch strings.ToUpper(fl.Field().String()) {
	case "MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN":
		return true
	}
	return false
}

func isClock(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	h, m := s[:2], s[3:]
	return h >= "00" && h <= "23" && m >= "00" && m <= "59" &&
		isDigits(h) && isDigits(m)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ErrValidation is returned (wrapped) when a form fails validation.
var ErrValidation = errors.New("validation failed")

// CheckoutForm is the submitted checkout form.
type CheckoutForm struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	CEP   string `json:"cep"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitName splits a full name into first and last name.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// ValidateCheckout performs the checks the form shows inline.
func ValidateCheckout(f *CheckoutForm) []FieldError {
	var errs []FieldError

	name := strings.TrimSpace(f.Name)
	if name == "" {
		errs = append(errs, FieldError{"name", "required"})
	} else if len(name) > MaxFieldLen {
		errs = append(errs, FieldError{"name", fmt.Sprintf("max length %d", MaxFieldLen)})
	} else if first, last := SplitName(name); first == "" || last == "" {
		errs = append(errs, FieldError{"name", "first and last name required"})
	}

	email := strings.TrimSpace(f.Email)
	if email == "" {
		errs = append(errs, FieldError{"email", "required"})
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		errs = append(errs, FieldError{"email", "invalid email address"})
	}

	phone := Digits(f.Phone)
	switch {
	case phone == "":
		errs = append(errs, FieldError{"phone", "required"})
	case len(phone) < 10 || len(phone) > 11:
		errs = append(errs, FieldError{"phone", "must have 10 or 11 digits (area code + number)"})
	}

	if cep := Digits(f.CEP); f.CEP != "" && len(cep) != 8 {
		errs = append(errs, FieldError{"cep", "must have 8 digits"})
	}

	if st := strings.TrimSpace(f.State); st != "" {
		if len(st) != 2 || !isLetters(st) {
			errs = append(errs, FieldError{"state", "must be a 2-letter code"})
		}
	}
	return errs
}

// UserData converts a validated form into event user data.
func (f *CheckoutForm) UserData(country string) UserData {
	first, last := SplitName(f.Name)
	return UserData{
		Email:     strings.TrimSpace(f.Email),
		Phone:     Digits(f.Phone),
		FirstName: first,
		LastName:  last,
		City:      strings.TrimSpace(f.City),
		State:     strings.TrimSpace(f.State),
		Zip:       Digits(f.CEP),
		Country:   country,
	}
}

func isLetters(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

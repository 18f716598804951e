package store

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidToken is returned before any write when a Token breaks its invariants.
	ErrInvalidToken = errors.New("invalid token record")
	// ErrInvalidMessage is returned for overlay messages missing required fields.
	ErrInvalidMessage = errors.New("invalid overlay message")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json field names (user_id) instead of Go names (UserID)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateToken checks t before it is persisted.
func ValidateToken(t Token) error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidToken)
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidToken, describe(err))
	}
	return nil
}

// ValidateMessage checks that m carries every field a display client needs.
func ValidateMessage(m Message) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, describe(err))
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidMessage)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

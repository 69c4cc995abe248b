// Package forecast resolves data selections into geo-referenced samples.
package forecast

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fieldmap/server/internal/store"
	"github.com/go-playground/validator/v10"
)

// VariableWind is the derived variable served from the u/v components.
const VariableWind = "wind"

// Member values other than ensemble member numbers.
const (
	MemberMean          = "mean"
	MemberStd           = "std"
	MemberDeterministic = "deterministic"
)

var (
	// ErrInvalidSelection is returned for selections that fail validation.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrNotFound is returned when the model has no forecast run.
	ErrNotFound = errors.New("no data found")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("member", func(fl validator.FieldLevel) bool {
		_, err := ParseMember(fl.Field().String())
		return err == nil
	})
	if err != nil {
		panic(fmt.Sprintf("forecast: register member validation: %v", err))
	}
	return v
}

// Selection identifies one field: a model run's variable at a forecast
// hour for one member or ensemble statistic.
type Selection struct {
	Model    string `json:"model" validate:"required,max=32"`
	Variable string `json:"variable" validate:"required,max=64"`
	Hour     int    `json:"hour" validate:"gte=0,lte=840"`
	Member   string `json:"member" validate:"required,member"`
}

// DefaultSelection mirrors the API defaults.
func DefaultSelection() Selection {
	return Selection{
		Model:    "AIFS",
		Variable: store.VariablePrecipitation,
		Hour:     6,
		Member:   MemberMean,
	}
}

// Validate checks field constraints.
func (s Selection) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSelection, err)
	}
	return nil
}

// IsWind reports whether the selection is served from the wind components.
func (s Selection) IsWind() bool {
	return s.Variable == VariableWind
}

func (s Selection) String() string {
	return fmt.Sprintf("%s/%s/+%dh/%s", s.Model, s.Variable, s.Hour, s.Member)
}

// ParseMember converts the member parameter into a store query.
func ParseMember(m string) (store.Member, error) {
	switch m {
	case MemberMean:
		return store.Member{Kind: store.MemberMean}, nil
	case MemberStd:
		return store.Member{Kind: store.MemberStd}, nil
	case MemberDeterministic:
		return store.Member{Kind: store.MemberDeterministic}, nil
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 {
		return store.Member{}, fmt.Errorf("%w: member must be mean, std, deterministic or a non-negative integer, got %q", ErrInvalidSelection, m)
	}
	return store.Member{Kind: store.MemberNumber, Number: n}, nil
}

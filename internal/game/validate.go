package game

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateSnapshot checks the structural shape of a roster.
func ValidateSnapshot(s LobbySnapshot) error {
	if err := Validator().Struct(s); err != nil {
		return NewError(KindValidation, "bad_request", "invalid lobby snapshot", err)
	}
	seen := make(map[string]struct{}, len(s.Members))
	for _, m := range s.Members {
		if _, dup := seen[m.UserID]; dup {
			return NewError(KindValidation, "bad_request", "duplicate member "+m.UserID, nil)
		}
		seen[m.UserID] = struct{}{}
	}
	return nil
}

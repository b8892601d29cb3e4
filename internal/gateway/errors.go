package gateway

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"marketchat/internal/domain"
)

// clientMessage turns an error into the text sent in an error frame.
// Store failures are reported generically; their details stay in the log.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrStoreFailure):
		return "could not complete the request, please retry"
	case errors.Is(err, domain.ErrMalformedFrame),
		errors.Is(err, domain.ErrMissingContext),
		errors.Is(err, domain.ErrInvalidContent),
		errors.Is(err, domain.ErrSelfMessage),
		errors.Is(err, domain.ErrRateLimited):
		return err.Error()
	default:
		return "internal error"
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

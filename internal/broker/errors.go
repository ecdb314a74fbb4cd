package broker

import "github.com/toolbroker/toolbroker/internal/apperror"

// statusFor maps an error's apperror.Kind to the HTTP status the REST
// surface responds with (spec.md §7): Validation/Conflict map to 400/409,
// NotFound to 404, everything else (including unclassified errors) to 500.
func statusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.Validation:
		return 400
	case apperror.Conflict:
		return 409
	case apperror.NotFound:
		return 404
	default:
		return 500
	}
}

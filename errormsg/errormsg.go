package errormsg

import (
	"fmt"
	"net/http"
	"os"
)

// ErrorMessage decides how much of an internal error is shown to remote callers.
type ErrorMessage struct {
	isProd bool
}

// CreateFromEnv hides internal errors unless DELIVERY_ENV=dev.
func CreateFromEnv() ErrorMessage {
	isProd := os.Getenv("DELIVERY_ENV") != "dev"

	return ErrorMessage{isProd: isProd}
}

func (em ErrorMessage) Error(msg error) error {
	if msg == nil {
		return nil
	}
	if em.isProd {
		return em.Code(codeForClass(Classify(msg)))
	} else {
		return msg
	}
}

func (em ErrorMessage) ErrorWithCode(code int, message error) error {
	if em.isProd {
		return em.Code(code)
	} else {
		return message
	}
}

func (em ErrorMessage) Code(code int) error {
	return fmt.Errorf("%d: %s", code, http.StatusText(code))
}

func codeForClass(c Class) int {
	switch c {
	case ClassApplicationRejected:
		return http.StatusBadRequest
	case ClassAllEndpointsUnavailable, ClassEndpointUnavailable:
		return http.StatusServiceUnavailable
	case ClassTransport:
		return http.StatusBadGateway
	case ClassExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

package httptransport

import (
	"errors"
	"net/http"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// kinder is satisfied by domain errors
// that carry a classification kind.
type kinder interface {
	Kind() string
}

// kindToStatus maps error classification kinds
// to HTTP status codes.
var kindToStatus = map[string]int{
	"invalid_signature":  http.StatusUnauthorized,
	"unauthorized":       http.StatusUnauthorized,
	"bad_request":        http.StatusBadRequest,
	"item_not_found":     http.StatusBadRequest,
	"order_not_found":    http.StatusNotFound,
	"invalid_transition": http.StatusConflict,
	"provider_rejected":  http.StatusBadGateway,
	"unavailable":        http.StatusServiceUnavailable,
	"timeout":            http.StatusGatewayTimeout,
	"canceled":           http.StatusRequestTimeout,
}

// errorKind returns the kind of an error.
func errorKind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return apperr.Kind(err)
}

func httpStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[errorKind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

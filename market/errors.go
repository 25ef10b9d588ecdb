package market

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-market/types"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorTable is checked in order; the first errors.Is match wins.
var errorTable = []errorMapping{
	{types.ErrSymbolInvalid, fasthttp.StatusBadRequest, "INVALID_SYMBOL"},
	{types.ErrRangeInvalid, fasthttp.StatusBadRequest, "INVALID_RANGE"},
	{types.ErrInvalidParameter, fasthttp.StatusBadRequest, "INVALID_PARAMETER"},
	{types.ErrFeatureDisabled, fasthttp.StatusServiceUnavailable, "FEATURE_DISABLED"},
	{types.ErrCircuitBreakerOpen, fasthttp.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
	{types.ErrProviderUnavailable, fasthttp.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
	{types.ErrProviderResponse, fasthttp.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
	{context.DeadlineExceeded, fasthttp.StatusServiceUnavailable, "PROVIDER_TIMEOUT"},
	{context.Canceled, fasthttp.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
}

// Classify maps err to the HTTP status and error code returned to clients.
func Classify(err error) (int, string) {
	for _, mapping := range errorTable {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return fasthttp.StatusInternalServerError, "INTERNAL"
}

// SymbolError is the per-symbol failure entry of a batch response.
type SymbolError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func symbolError(err error) SymbolError {
	_, code := Classify(err)
	return SymbolError{Code: code, Error: err.Error()}
}

package notion

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/planware/syncd/server/apperr"
)

// ErrSchemaMismatch surfaces when the upstream rejects a payload because a
// property no longer matches the declared mapping table.
var ErrSchemaMismatch = errors.New("notion: property schema mismatch")

// classifyStatus maps an upstream HTTP response to the error taxonomy.
func classifyStatus(status int, body []byte) error {
	var env apiError
	_ = json.Unmarshal(body, &env)
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		return apperr.Newf(apperr.KindNotFound, "upstream: %s", msg)
	case status == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "upstream: %s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Newf(apperr.KindUnauthorized, "upstream: %s", msg)
	case status == http.StatusBadRequest && env.Code == "validation_error":
		return apperr.Wrap(apperr.KindValidation, msg, ErrSchemaMismatch)
	case status >= 500:
		return apperr.Newf(apperr.KindUpstream, "upstream %d: %s", status, msg)
	default:
		return apperr.Newf(apperr.KindInternal, "upstream %d: %s", status, msg)
	}
}

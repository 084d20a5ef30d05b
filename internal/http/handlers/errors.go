package handlers

import (
	"errors"
	"net/http"

	"github.com/yungbote/neurobridge-stream/internal/platform/apierr"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

var errStreamingUnsupported = errors.New("streaming unsupported")

func mapServiceError(err error, fallbackCode string) *apierr.Error {
	switch {
	case errors.Is(err, services.ErrLedgerUnavailable):
		return apierr.New(http.StatusServiceUnavailable, "ledger_unavailable", err)
	case errors.Is(err, services.ErrStreamNotFound), errors.Is(err, relay.ErrStreamNotFound):
		return apierr.New(http.StatusNotFound, "stream_not_found", err)
	case errors.Is(err, services.ErrMessageNotFound):
		return apierr.New(http.StatusNotFound, "message_not_found", err)
	case errors.Is(err, services.ErrWriteConflict), errors.Is(err, services.ErrNotTurnOwner):
		return apierr.New(http.StatusConflict, "write_conflict", err)
	case errors.Is(err, services.ErrRunnerClosed):
		return apierr.New(http.StatusServiceUnavailable, "shutting_down", err)
	default:
		return apierr.From(err, fallbackCode)
	}
}

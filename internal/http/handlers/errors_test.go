package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yungbote/neurobridge-stream/internal/domain/chat"
	"github.com/yungbote/neurobridge-stream/internal/realtime/relay"
	"github.com/yungbote/neurobridge-stream/internal/services"
)

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"ledger", fmt.Errorf("create: %w", services.ErrLedgerUnavailable), http.StatusServiceUnavailable, "ledger_unavailable"},
		{"stream", services.ErrStreamNotFound, http.StatusNotFound, "stream_not_found"},
		{"relay_stream", relay.ErrStreamNotFound, http.StatusNotFound, "stream_not_found"},
		{"message", services.ErrMessageNotFound, http.StatusNotFound, "message_not_found"},
		{"conflict", services.ErrWriteConflict, http.StatusConflict, "write_conflict"},
		{"owner", services.ErrNotTurnOwner, http.StatusConflict, "write_conflict"},
		{"closed", services.ErrRunnerClosed, http.StatusServiceUnavailable, "shutting_down"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapServiceError(tc.err, "fallback")
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.code, got.Code)
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

type chatEvent = chat.StreamEvent

func TestSkipFrame(t *testing.T) {
	chunk := func(seq int64) services.ResumeUpdate {
		return services.ResumeUpdate{Event: &chatEvent{Sequence: seq, Kind: "chunk"}}
	}
	assert.True(t, skipFrame(chunk(2), 2))
	assert.False(t, skipFrame(chunk(3), 2))
	assert.False(t, skipFrame(chunk(0), -1))
	assert.False(t, skipFrame(services.ResumeUpdate{Event: &chatEvent{Sequence: 1, Kind: "done"}}, 5))
	assert.False(t, skipFrame(services.ResumeUpdate{Fallback: true}, 5))
}

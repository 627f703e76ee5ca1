package errors

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, buf
}

func TestErrorHandler_HandleNil(t *testing.T) {
	logger, _ := newTestLogger()
	handler := NewErrorHandler(logger)

	assert.Nil(t, handler.HandleError(nil))
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

func TestErrorHandler_WrapsUnknownErrors(t *testing.T) {
	logger, buf := newTestLogger()
	handler := NewErrorHandler(logger)

	ce := handler.HandleError(fmt.Errorf("disk full"))

	require.NotNil(t, ce)
	assert.Equal(t, "UNKNOWN_ERROR", ce.Code)
	assert.Equal(t, ErrorTypeSystem, ce.Type)
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), `"level":"warning"`)
}

func TestErrorHandler_RejectionsLoggedAtDebug(t *testing.T) {
	logger, buf := newTestLogger()
	handler := NewErrorHandler(logger)

	ce := handler.HandleError(ErrCampaignAnnounced.WithIndex(4))

	assert.Equal(t, "CAMPAIGN_ANNOUNCED", ce.Code)
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"index":4`)
}

func TestErrorHandler_StatsAndCallbacks(t *testing.T) {
	logger, _ := newTestLogger()
	handler := NewErrorHandler(logger)

	var seen []string
	handler.AddCallback(func(err *CampaignError) {
		seen = append(seen, err.Code)
	})
	handler.AddCallback(func(err *CampaignError) {
		panic("callback panic")
	})

	handler.HandleError(ErrTransferFailed.Wrap(fmt.Errorf("insufficient custody")))
	handler.HandleError(fmt.Errorf("outer: %w", ErrOnlyOwner))

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByCode["TRANSFER_FAILED"])
	assert.Equal(t, 1, stats.ErrorsByCode["ONLY_OWNER"])
	assert.Equal(t, []string{"TRANSFER_FAILED", "ONLY_OWNER"}, seen)

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

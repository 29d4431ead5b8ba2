package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarySuccess(t *testing.T) {
	assert.True(t, Summary{}.Success(), "empty run is a success")
	assert.True(t, Summary{NotRelevant: 3, Skipped: 2}.Success(), "zero relevant with zero failures is a success")
	assert.False(t, Summary{Relevant: 5, Failed: 1}.Success(), "any failure fails the run")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "relevant", OutcomeRelevant.String())
	assert.Equal(t, "not_relevant", OutcomeNotRelevant.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
}

func TestDayStart(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, 8, 24, 15, 30, 45, 0, loc)
	start := dayStart(now)

	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, loc), start)
	assert.Equal(t, loc, start.Location(), "cap window is local-day, not UTC")
}

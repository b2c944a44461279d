package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusQueued:     {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusCancelled:  {},
	}

	all := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

	for from, targets := range allowed {
		ok := make(map[Status]bool, len(targets))
		for _, to := range targets {
			ok[to] = true
		}
		for _, to := range all {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				assert.Equal(t, ok[to], CanTransition(from, to))
			})
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		jobType  JobType
		category Category
		ok       bool
	}{
		{JobTypePDFAccessibility, CategoryAudit, true},
		{JobTypeEPUBAccessibility, CategoryAudit, true},
		{JobTypeVPATGeneration, CategoryGeneration, true},
		{JobTypeACRGeneration, CategoryGeneration, true},
		{JobTypeAltTextGeneration, CategoryGeneration, true},
		{JobTypeStyleValidation, CategoryValidation, true},
		{JobTypeCitationDetection, CategoryValidation, true},
		{JobType("BRAILLE_TRANSCRIPTION"), Category(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			c, ok := CategoryOf(tt.jobType)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.category, c)
		})
	}
}

func TestRetryableError(t *testing.T) {
	base := errors.New("connection reset")
	err := NewRetryableError(base)

	assert.True(t, IsRetryable(err))
	assert.True(t, IsRetryable(fmt.Errorf("claiming job: %w", err)))
	assert.False(t, IsRetryable(base))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "connection reset")
}

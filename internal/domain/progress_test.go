package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStageValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stage   Stage
		wantErr error
	}{
		{"initializing", Stage{Kind: StageInitializing}, nil},
		{"generating text", Stage{Kind: StageGeneratingText}, nil},
		{"page with numbers", Stage{Kind: StageGeneratingPage, Page: 2, TotalPages: 4}, nil},
		{"page missing numbers", Stage{Kind: StageGeneratingPage}, ErrMissingPageNumber},
		{"page beyond total", Stage{Kind: StageGeneratingPage, Page: 5, TotalPages: 4}, ErrMissingPageNumber},
		{"page fields on wrong stage", Stage{Kind: StagePersisting, Page: 1, TotalPages: 4}, ErrInvalidStage},
		{"unknown kind", Stage{Kind: "transmogrifying"}, ErrInvalidStage},
		{"completed", Stage{Kind: StageCompleted}, nil},
		{"cancelled", Stage{Kind: StageCancelled}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.stage.Validate()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProgressEventValidate(t *testing.T) {
	t.Parallel()

	valid := ProgressEvent{
		JobID:     uuid.New(),
		Sequence:  1,
		Stage:     Stage{Kind: StageGeneratingText},
		Percent:   10,
		Timestamp: time.Now().UTC(),
	}
	assert.NoError(t, valid.Validate())

	noJob := valid
	noJob.JobID = uuid.Nil
	assert.ErrorIs(t, noJob.Validate(), ErrEmptyEventJobID)

	badPercent := valid
	badPercent.Percent = 101
	assert.ErrorIs(t, badPercent.Validate(), ErrInvalidPercent)
}

func TestStageTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.True(t, StageCancelled.Terminal())
	assert.False(t, StageInitializing.Terminal())
	assert.False(t, StageGeneratingPage.Terminal())
}

func TestPagePercent(t *testing.T) {
	t.Parallel()

	// 4 pages span 30..90 in 15-point steps.
	assert.Equal(t, 30, PagePercent(0, 4))
	assert.Equal(t, 45, PagePercent(1, 4))
	assert.Equal(t, 60, PagePercent(2, 4))
	assert.Equal(t, 90, PagePercent(4, 4))

	// Percent never decreases as pages complete.
	last := 0
	for done := 0; done <= 7; done++ {
		p := PagePercent(done, 7)
		assert.GreaterOrEqual(t, p, last)
		last = p
	}

	assert.Equal(t, 30, PagePercent(0, 0))
}

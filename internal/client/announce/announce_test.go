package announce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/timeutil"
)

type recordedAnnouncement struct {
	text       string
	politeness Politeness
}

type recordingRegion struct{ announcements []recordedAnnouncement }

func (r *recordingRegion) Announce(_ context.Context, text string, politeness Politeness) {
	r.announcements = append(r.announcements, recordedAnnouncement{text: text, politeness: politeness})
}

func snapshot(status operation.Status, processed, successful, failed, total int) operation.Snapshot {
	return operation.Snapshot{
		ID:              "op-1",
		Kind:            operation.KindActivate,
		Status:          status,
		TotalItems:      total,
		ProcessedItems:  processed,
		SuccessfulItems: successful,
		FailedItems:     failed,
	}
}

func TestAnnouncer_Started(t *testing.T) {
	t.Parallel()

	region := &recordingRegion{}
	a := New(region)
	ctx := context.Background()

	snap := snapshot(operation.StatusRunning, 0, 0, 0, 25)
	a.Started(ctx, snap)
	a.Started(ctx, snap)

	require.Len(t, region.announcements, 1, "start is announced once")
	assert.Equal(t, "Bulk activate started for 25 users.", region.announcements[0].text)
	assert.Equal(t, PolitenessAssertive, region.announcements[0].politeness)
}

func TestAnnouncer_Progress_MilestonesOnly(t *testing.T) {
	t.Parallel()

	region := &recordingRegion{}
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := New(region, WithTimeProvider(clock))
	ctx := context.Background()

	for processed := 1; processed <= 25; processed++ {
		a.Progress(ctx, snapshot(operation.StatusRunning, processed, processed, 0, 100))
		clock.Advance(5 * time.Second)
	}

	require.Len(t, region.announcements, 2, "one announcement per crossed milestone")
	assert.Equal(t, "10 of 100 items processed.", region.announcements[0].text)
	assert.Equal(t, "20 of 100 items processed.", region.announcements[1].text)
	assert.Equal(t, PolitenessPolite, region.announcements[0].politeness)
}

func TestAnnouncer_Progress_Debounced(t *testing.T) {
	t.Parallel()

	region := &recordingRegion{}
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := New(region, WithTimeProvider(clock), WithDebounce(10*time.Second))
	ctx := context.Background()

	a.Progress(ctx, snapshot(operation.StatusRunning, 10, 10, 0, 100))
	clock.Advance(time.Second)
	a.Progress(ctx, snapshot(operation.StatusRunning, 20, 20, 0, 100))
	clock.Advance(30 * time.Second)
	a.Progress(ctx, snapshot(operation.StatusRunning, 30, 30, 0, 100))

	require.Len(t, region.announcements, 2, "second milestone suppressed inside the debounce window")
	assert.Equal(t, "10 of 100 items processed.", region.announcements[0].text)
	assert.Equal(t, "30 of 100 items processed.", region.announcements[1].text,
		"suppressed milestones are not replayed; the next announcement carries the latest counts")
}

func TestAnnouncer_Progress_CustomInterval(t *testing.T) {
	t.Parallel()

	region := &recordingRegion{}
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := New(region, WithTimeProvider(clock), WithMilestoneInterval(5), WithDebounce(0))
	ctx := context.Background()

	for processed := 1; processed <= 10; processed++ {
		a.Progress(ctx, snapshot(operation.StatusRunning, processed, processed, 0, 10))
	}

	require.Len(t, region.announcements, 2)
	assert.Equal(t, "5 of 10 items processed.", region.announcements[0].text)
	assert.Equal(t, "10 of 10 items processed.", region.announcements[1].text)
}

func TestAnnouncer_Finished(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap operation.Snapshot
		want string
	}{
		{
			name: "completed",
			snap: snapshot(operation.StatusCompleted, 10, 9, 1, 10),
			want: "Bulk activate completed: 9 succeeded, 1 failed.",
		},
		{
			name: "cancelled",
			snap: snapshot(operation.StatusCancelled, 4, 4, 0, 10),
			want: "Bulk activate cancelled after 4 of 10 items.",
		},
		{
			name: "failed",
			snap: snapshot(operation.StatusFailed, 3, 2, 1, 10),
			want: "Bulk activate failed after 3 of 10 items.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			region := &recordingRegion{}
			a := New(region)
			a.Finished(context.Background(), tt.snap)
			a.Finished(context.Background(), tt.snap)

			require.Len(t, region.announcements, 1, "terminal outcome is announced once")
			assert.Equal(t, tt.want, region.announcements[0].text)
			assert.Equal(t, PolitenessAssertive, region.announcements[0].politeness)
		})
	}
}

func TestAnnouncer_Finished_BypassesDebounce(t *testing.T) {
	t.Parallel()

	region := &recordingRegion{}
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a := New(region, WithTimeProvider(clock), WithDebounce(time.Hour))
	ctx := context.Background()

	a.Progress(ctx, snapshot(operation.StatusRunning, 10, 10, 0, 10))
	a.Finished(ctx, snapshot(operation.StatusCompleted, 10, 10, 0, 10))

	require.Len(t, region.announcements, 2)
	assert.Equal(t, "Bulk activate completed: 10 succeeded, 0 failed.", region.announcements[1].text)
}

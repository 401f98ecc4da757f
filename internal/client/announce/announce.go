// Package announce turns operation progress into human-readable status
// announcements for assistive surfaces such as screen-reader live regions.
package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/timeutil"
)

// Politeness is the interruption level of an announcement. Polite messages
// wait for the listener's current output to finish; assertive messages
// interrupt it.
type Politeness string

const (
	PolitenessPolite    Politeness = "polite"
	PolitenessAssertive Politeness = "assertive"
)

// LiveRegion receives announcement text. Implementations push the text to
// whatever surface the host UI provides; a terminal client may simply print.
type LiveRegion interface {
	Announce(ctx context.Context, text string, politeness Politeness)
}

// LiveRegionFunc adapts a function to the LiveRegion interface.
type LiveRegionFunc func(ctx context.Context, text string, politeness Politeness)

func (f LiveRegionFunc) Announce(ctx context.Context, text string, politeness Politeness) {
	f(ctx, text, politeness)
}

const (
	// DefaultMilestoneInterval is how many processed items pass between
	// progress announcements. Announcing every item would drown the listener
	// on large operations.
	DefaultMilestoneInterval = 10

	// DefaultDebounce is the minimum gap between progress announcements.
	DefaultDebounce = 2 * time.Second
)

// Option configures an Announcer.
type Option func(*Announcer)

// WithMilestoneInterval overrides how many items pass between progress
// announcements. Values below 1 are ignored.
func WithMilestoneInterval(n int) Option {
	return func(a *Announcer) {
		if n >= 1 {
			a.milestoneEvery = n
		}
	}
}

// WithDebounce overrides the minimum gap between progress announcements.
func WithDebounce(d time.Duration) Option {
	return func(a *Announcer) { a.debounce = d }
}

// WithTimeProvider overrides the clock used for debouncing.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(a *Announcer) { a.clock = tp }
}

// Announcer derives announcements from operation snapshots. Lifecycle
// transitions are announced assertively and always delivered; per-item
// progress is announced politely, at milestone intervals, and debounced so a
// fast-moving operation does not flood the listener.
//
// Announcer is not safe for concurrent use; the operation's owning loop
// calls it.
type Announcer struct {
	region         LiveRegion
	clock          timeutil.Provider
	milestoneEvery int
	debounce       time.Duration

	lastProgressAt time.Time
	lastMilestone  int
	announcedStart bool
	announcedEnd   bool
}

// New creates an Announcer over the given live region.
func New(region LiveRegion, opts ...Option) *Announcer {
	a := &Announcer{
		region:         region,
		clock:          timeutil.Default(),
		milestoneEvery: DefaultMilestoneInterval,
		debounce:       DefaultDebounce,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reset clears the per-operation latches so the announcer can narrate a new
// run. Called when a new operation replaces a finished one.
func (a *Announcer) Reset() {
	a.lastProgressAt = time.Time{}
	a.lastMilestone = 0
	a.announcedStart = false
	a.announcedEnd = false
}

// Started announces that the operation has begun.
func (a *Announcer) Started(ctx context.Context, snap operation.Snapshot) {
	if a.announcedStart {
		return
	}
	a.announcedStart = true
	text := fmt.Sprintf("Bulk %s started for %d %s.",
		snap.Kind, snap.TotalItems, plural(snap.TotalItems, "user", "users"))
	a.region.Announce(ctx, text, PolitenessAssertive)
}

// Progress announces a milestone if the snapshot crossed one and the
// debounce window has elapsed. Skipped milestones are not replayed later;
// the next announcement reflects the latest counts.
func (a *Announcer) Progress(ctx context.Context, snap operation.Snapshot) {
	milestone := snap.ProcessedItems / a.milestoneEvery
	if milestone <= a.lastMilestone {
		return
	}
	now := a.clock.Now()
	if !a.lastProgressAt.IsZero() && now.Sub(a.lastProgressAt) < a.debounce {
		return
	}
	a.lastMilestone = milestone
	a.lastProgressAt = now

	text := fmt.Sprintf("%d of %d items processed.", snap.ProcessedItems, snap.TotalItems)
	a.region.Announce(ctx, text, PolitenessPolite)
}

// Finished announces the terminal outcome. Terminal announcements bypass
// the progress debounce so the listener always hears how the run ended.
func (a *Announcer) Finished(ctx context.Context, snap operation.Snapshot) {
	if a.announcedEnd {
		return
	}
	a.announcedEnd = true

	var text string
	switch snap.Status {
	case operation.StatusCompleted:
		text = fmt.Sprintf("Bulk %s completed: %d succeeded, %d failed.",
			snap.Kind, snap.SuccessfulItems, snap.FailedItems)
	case operation.StatusCancelled:
		text = fmt.Sprintf("Bulk %s cancelled after %d of %d items.",
			snap.Kind, snap.ProcessedItems, snap.TotalItems)
	case operation.StatusFailed:
		text = fmt.Sprintf("Bulk %s failed after %d of %d items.",
			snap.Kind, snap.ProcessedItems, snap.TotalItems)
	default:
		return
	}
	a.region.Announce(ctx, text, PolitenessAssertive)
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

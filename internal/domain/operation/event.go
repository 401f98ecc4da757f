package operation

// ProgressEvent is one decoded unit from the progress stream.
//
// Every field is a partial update: a nil pointer means "unchanged". The wire
// shape matches the newline-delimited JSON records the bulk endpoint writes;
// the counter names are camelCase on the wire because the admin front end
// that originally consumed this stream expects them that way.
type ProgressEvent struct {
	ProcessedItems  *int          `json:"processedItems,omitempty"`
	SuccessfulItems *int          `json:"successfulItems,omitempty"`
	FailedItems     *int          `json:"failedItems,omitempty"`
	Status          *Status       `json:"status,omitempty"`
	ItemError       *ErrorRecord  `json:"itemError,omitempty"`
	Errors          []ErrorRecord `json:"errors,omitempty"`
}

// IsTerminal reports whether the event carries a terminal status hint.
func (ev ProgressEvent) IsTerminal() bool {
	return ev.Status != nil && ev.Status.IsTerminal()
}

// CounterEvent builds a partial update carrying the three counters.
func CounterEvent(processed, successful, failed int) ProgressEvent {
	return ProgressEvent{
		ProcessedItems:  &processed,
		SuccessfulItems: &successful,
		FailedItems:     &failed,
	}
}

// TerminalEvent builds a final record carrying the status and counter totals.
func TerminalEvent(status Status, processed, successful, failed int, errs []ErrorRecord) ProgressEvent {
	ev := CounterEvent(processed, successful, failed)
	ev.Status = &status
	ev.Errors = errs
	return ev
}

package triage

// Resolve computes a task's aggregate status from its reports. It is a pure
// function: cheap, side-effect free and order-independent, so it can run on
// every status read without caching.
//
// Overridden tasks always read OVERWRITE. Otherwise any finished report
// carrying a severe status freezes the aggregate at the highest such value;
// finished workers reporting lower severity cannot drag it back down. When
// every report has finished, the aggregate is the highest ranked status
// across them, CLEAN when unanimous. Anything else is still WAITING.
func Resolve(overridden bool, reports []*Report) Status {
	if overridden {
		return StatusOverwrite
	}
	if len(reports) == 0 {
		return StatusWaiting
	}

	frozen := StatusWaiting
	highest := StatusWaiting
	pending := false

	for _, r := range reports {
		if !r.Finished() {
			pending = true
			continue
		}
		st := r.Status()
		if st.Severe() {
			frozen = MaxStatus(frozen, st)
		}
		highest = MaxStatus(highest, st)
	}

	if frozen.Severe() {
		return frozen
	}
	if pending {
		return StatusWaiting
	}
	return highest
}

// Fold combines an extraction report's own verdict with the final statuses
// of the child tasks it spawned, applying the same severity rules as
// Resolve: severe members freeze the result at the highest severe value,
// otherwise the highest rank wins. This keeps a resource-bound verdict such
// as ERROR visible even when every child comes back CLEAN, while matching a
// plain maximum over the children in the ordinary case.
func Fold(own Status, children []Status) Status {
	frozen := StatusWaiting
	if own.Severe() {
		frozen = own
	}

	highest := own
	for _, st := range children {
		if st.Severe() {
			frozen = MaxStatus(frozen, st)
		}
		highest = MaxStatus(highest, st)
	}

	if frozen.Severe() {
		return frozen
	}
	return highest
}

package backlog

// NextEligible returns the story with the lowest (priority, declaration
// order) among those with passes == false. The returned pointer refers to
// the story inside b.
func NextEligible(b *Backlog) (*Story, bool) {
	return NextEligibleExcluding(b, nil)
}

// NextEligibleExcluding is NextEligible ignoring the stories whose ids are in exclude.
func NextEligibleExcluding(b *Backlog, exclude map[string]struct{}) (*Story, bool) {
	if b == nil {
		return nil, false
	}
	var best *Story
	for i := range b.Stories {
		s := &b.Stories[i]
		if s.Passes {
			continue
		}
		if _, skip := exclude[s.ID]; skip {
			continue
		}
		// strict < keeps the earliest declaration on ties
		if best == nil || s.Priority < best.Priority {
			best = s
		}
	}
	return best, best != nil
}

// Pending returns the stories with passes == false in execution order.
func Pending(b *Backlog) []Story {
	var out []Story
	exclude := make(map[string]struct{})
	for {
		s, ok := NextEligibleExcluding(b, exclude)
		if !ok {
			return out
		}
		out = append(out, *s)
		exclude[s.ID] = struct{}{}
	}
}

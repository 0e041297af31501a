package querytemplates

import "context"

// StatsStore applies fn to the template's statistics under a row lock and
// persists the returned value.
type StatsStore interface {
	UpdateStats(ctx context.Context, id int64, fn func(Stats) (Stats, error)) (Stats, error)
}

// Tracker is the only writer of template usage statistics.
type Tracker struct {
	store StatsStore
}

// NewTracker builds a Tracker.
func NewTracker(store StatsStore) *Tracker {
	return &Tracker{store: store}
}

// IncrementUsage adds one to the usage count.
func (t *Tracker) IncrementUsage(ctx context.Context, id int64) (Stats, error) {
	return t.store.UpdateStats(ctx, id, func(s Stats) (Stats, error) {
		s.UsageCount++
		return s, nil
	})
}

// UpdateSuccessRate folds one outcome into the success rate. The usage count
// must already include this execution.
func (t *Tracker) UpdateSuccessRate(ctx context.Context, id int64, success bool) (Stats, error) {
	return t.store.UpdateStats(ctx, id, func(s Stats) (Stats, error) {
		if s.UsageCount <= 0 {
			return s, ErrNoUsage
		}
		s.SuccessRate = NextSuccessRate(s.SuccessRate, s.UsageCount, success)
		return s, nil
	})
}

// UpdateAvgExecutionTime folds one elapsed time into the running mean. The
// usage count must already include this execution.
func (t *Tracker) UpdateAvgExecutionTime(ctx context.Context, id int64, elapsedMs float64) (Stats, error) {
	if elapsedMs < 0 {
		return Stats{}, ErrInvalidElapsed
	}
	return t.store.UpdateStats(ctx, id, func(s Stats) (Stats, error) {
		if s.UsageCount <= 0 {
			return s, ErrNoUsage
		}
		s.AvgExecutionTime = NextAvgExecutionTime(s.AvgExecutionTime, s.UsageCount, elapsedMs)
		return s, nil
	})
}

// Record increments usage then updates rate and average from one locked read.
func (t *Tracker) Record(ctx context.Context, id int64, success bool, elapsedMs float64) (Stats, error) {
	if elapsedMs < 0 {
		return Stats{}, ErrInvalidElapsed
	}
	return t.store.UpdateStats(ctx, id, func(s Stats) (Stats, error) {
		return s.Apply(success, elapsedMs), nil
	})
}

// Apply returns the statistics after one more execution.
func (s Stats) Apply(success bool, elapsedMs float64) Stats {
	s.UsageCount++
	s.SuccessRate = NextSuccessRate(s.SuccessRate, s.UsageCount, success)
	s.AvgExecutionTime = NextAvgExecutionTime(s.AvgExecutionTime, s.UsageCount, elapsedMs)
	return s
}

// NextSuccessRate computes the rate after the n-th execution, n counting it.
func NextSuccessRate(oldRate float64, n int64, success bool) float64 {
	if n <= 0 {
		return oldRate
	}
	successes := oldRate * float64(n-1)
	if success {
		successes++
	}
	return successes / float64(n)
}

// NextAvgExecutionTime computes the simple mean after the n-th execution, n
// counting it.
func NextAvgExecutionTime(oldAvg float64, n int64, elapsedMs float64) float64 {
	if n <= 1 {
		return elapsedMs
	}
	return (oldAvg*float64(n-1) + elapsedMs) / float64(n)
}

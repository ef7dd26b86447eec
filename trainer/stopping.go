package trainer

// EarlyStopping aborts training after a fixed number of consecutive epochs
// without improvement on the monitored metric. It counts independently of
// the learning-rate Controller, so a decayed run still gets its full
// patience before stopping.
type EarlyStopping struct {
	patience int
	count    int
}

// NewEarlyStopping returns a stopper with the given patience.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{patience: patience}
}

// Update records whether the last epoch improved the metric and reports
// whether training should stop now.
func (s *EarlyStopping) Update(improved bool) bool {
	if improved {
		s.count = 0
		return false
	}
	s.count++
	return s.count >= s.patience
}

// Count returns the number of consecutive epochs without improvement.
func (s *EarlyStopping) Count() int { return s.count }

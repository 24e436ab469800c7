package service

// LivenessTracker requires an identity to be seen in a number of
// consecutive processed frames before it may be granted. One tracker
// belongs to one coordinator.
type LivenessTracker struct {
	required int
	streak   map[int64]int
}

func NewLivenessTracker(required int) *LivenessTracker {
	if required < 1 {
		required = 1
	}
	return &LivenessTracker{required: required, streak: make(map[int64]int)}
}

// Observe advances the streak of every identity in seen and resets the
// rest.
func (l *LivenessTracker) Observe(seen []int64) {
	next := make(map[int64]int, len(seen))
	for _, id := range seen {
		if _, dup := next[id]; dup {
			continue
		}
		next[id] = l.streak[id] + 1
	}
	l.streak = next
}

// Ready reports whether id has been seen in enough consecutive frames.
func (l *LivenessTracker) Ready(id int64) bool {
	return l.streak[id] >= l.required
}

func (l *LivenessTracker) Reset() {
	l.streak = make(map[int64]int)
}

func (l *LivenessTracker) SetRequired(n int) {
	if n < 1 {
		n = 1
	}
	l.required = n
}

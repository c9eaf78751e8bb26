package hierarchy

const defaultMaxDepth = 8

// Option applies a configuration option to the Planner.
type Option func(*Planner)

// WithShuffleSiblings randomizes the play order of sibling sub-families. The
// order is seeded from the record id so replays are stable.
func WithShuffleSiblings(enabled bool) Option {
	return func(p *Planner) {
		p.shuffle = enabled
	}
}

// WithMaxDepth bounds how deep sub-families are followed.
// If depth <= 0 nesting is unbounded apart from the cycle guard.
func WithMaxDepth(depth int) Option {
	return func(p *Planner) {
		p.maxDepth = depth
	}
}

package rating

// Option applies a configuration option to the Calculator.
type Option func(*Calculator)

// WithBaseline sets the rating of an item that has never played.
func WithBaseline(baseline float64) Option {
	return func(c *Calculator) {
		if baseline > 0 {
			c.baseline = baseline
		}
	}
}

// WithKFactor sets the maximum rating change per game.
func WithKFactor(k float64) Option {
	return func(c *Calculator) {
		if k > 0 {
			c.k = k
		}
	}
}

// WithConfidenceGames sets how many accept/reject interactions it takes to
// reach full confidence.
func WithConfidenceGames(games int) Option {
	return func(c *Calculator) {
		if games > 0 {
			c.confidenceGames = games
		}
	}
}

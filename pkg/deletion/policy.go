package deletion

// Policy holds the admission limits the operation service enforces.
type Policy struct {
	// MaxConcurrentPerPrincipalPerWorld caps how many pending or in_progress
	// operations one principal may hold in a single world.
	MaxConcurrentPerPrincipalPerWorld int
	// RetryAfterSeconds is the hint returned with rate-limit rejections.
	RetryAfterSeconds int
	// OperationTTLSeconds is how long finished operation records stay
	// readable after completion before the sweeper removes them.
	OperationTTLSeconds int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentPerPrincipalPerWorld: 5,
		RetryAfterSeconds:                 30,
		OperationTTLSeconds:               86400,
	}
}

package mutation

import "time"

const (
	testTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

package util

import "time"

// TimeOperation runs op and reports how long it took alongside its error.
func TimeOperation(op func() error) (time.Duration, error) {
	start := time.Now()
	err := op()
	return time.Since(start), err
}

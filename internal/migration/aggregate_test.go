package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		children []Status
		want     Status
	}{
		{"no children", nil, StatusPending},
		{"all pending", []Status{StatusPending, StatusPending}, StatusPending},
		{"all succeeded", []Status{StatusSucceeded, StatusSucceeded}, StatusSucceeded},
		{"one still running", []Status{StatusSucceeded, StatusRunning}, StatusRunning},
		{"one enqueued counts as active", []Status{StatusSucceeded, StatusEnqueued}, StatusRunning},
		{"errored child keeps parent running", []Status{StatusSucceeded, StatusErrored}, StatusRunning},
		{"failed child dominates", []Status{StatusSucceeded, StatusRunning, StatusFailed}, StatusFailed},
		{"cancelled dominates running", []Status{StatusRunning, StatusCancelled}, StatusCancelled},
		{"cancelling treated as cancelled", []Status{StatusSucceeded, StatusCancelling}, StatusCancelled},
		{"failed beats cancelled", []Status{StatusCancelled, StatusFailed}, StatusFailed},
		{"paused children are pending", []Status{StatusPaused, StatusPaused}, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.children))
		})
	}
}

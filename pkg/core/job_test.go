package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
}

func TestJob_RetriesLeft(t *testing.T) {
	tests := []struct {
		name     string
		attempt  int
		max      int
		left     int
		consumed int
		done     bool
	}{
		{"not started", 0, 3, 3, 0, false},
		{"first attempt", 1, 3, 3, 0, false},
		{"second attempt", 2, 3, 2, 1, false},
		{"last attempt", 4, 3, 0, 3, true},
		{"no retries configured", 1, 0, 0, 0, true},
		{"over-run floors at zero", 7, 3, 0, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{Attempt: tt.attempt, MaxRetries: tt.max}
			assert.Equal(t, tt.left, job.RetriesLeft())
			assert.Equal(t, tt.consumed, job.RetriesConsumed())
			assert.Equal(t, tt.done, job.Exhausted())
		})
	}
}

func TestJob_TimeoutDuration(t *testing.T) {
	assert.Equal(t, 1800*time.Second, (&Job{Timeout: 1800}).TimeoutDuration())
	assert.Zero(t, (&Job{}).TimeoutDuration())
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy("start_vapp")
	assert.Equal(t, "start_vapp", p.Name)
	assert.Equal(t, QueueDefault, p.Queue)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 30*time.Second, p.Interval())
	assert.Equal(t, 1800*time.Second, p.Timeout())
}

func TestIsQueueClass(t *testing.T) {
	assert.True(t, IsQueueClass("high"))
	assert.True(t, IsQueueClass("default"))
	assert.True(t, IsQueueClass("low"))
	assert.False(t, IsQueueClass("emails"))
}

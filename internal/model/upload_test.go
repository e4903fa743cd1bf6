package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemState_Active(t *testing.T) {
	assert.False(t, StatePending.Active())
	assert.True(t, StateUploading.Active())
	assert.True(t, StateAwaitingProcessing.Active())
	assert.False(t, StateCompleted.Active())
	assert.False(t, StateFailed.Active())
}

func TestUploadItem_RetryingAndTerminal(t *testing.T) {
	tests := []struct {
		name         string
		item         UploadItem
		wantRetrying bool
		wantTerminal bool
	}{
		{"fresh pending", UploadItem{State: StatePending}, false, false},
		{"pending after retry", UploadItem{State: StatePending, RetryAttempts: 1}, true, false},
		{"uploading after retry", UploadItem{State: StateUploading, RetryAttempts: 2}, true, false},
		{"completed", UploadItem{State: StateCompleted, RetryAttempts: 1}, false, true},
		{"failed with auto retry off", UploadItem{State: StateFailed}, false, true},
		{"cancelled", UploadItem{State: StateFailed, Cancelled: true}, false, true},
		{"exhausted", UploadItem{State: StateFailed, RetryAttempts: 3, Exhausted: true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantRetrying, tt.item.IsRetrying())
			assert.Equal(t, tt.wantTerminal, tt.item.IsTerminal())
		})
	}
}

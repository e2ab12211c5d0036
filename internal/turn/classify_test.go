package turn_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MegaGrindStone/chatturn/internal/turn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    turn.FailureKind
	}{
		{"503", http.StatusServiceUnavailable, "", turn.FailureCapacity},
		{"overload message", http.StatusInternalServerError, "Model is Overloaded", turn.FailureCapacity},
		{"429", http.StatusTooManyRequests, "", turn.FailureRateLimit},
		{"rate limit message", 0, "rate limit exceeded", turn.FailureRateLimit},
		{"too many message", http.StatusBadRequest, "Too many requests", turn.FailureRateLimit},
		{"502", http.StatusBadGateway, "", turn.FailureNetwork},
		{"504", http.StatusGatewayTimeout, "", turn.FailureNetwork},
		{"network message", 0, "network unreachable", turn.FailureNetwork},
		{"status wins over message", http.StatusTooManyRequests, "overloaded", turn.FailureRateLimit},
		{"500", http.StatusInternalServerError, "boom", turn.FailureGeneric},
		{"401", http.StatusUnauthorized, "unauthorized", turn.FailureGeneric},
		{"empty", 0, "", turn.FailureGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, turn.Classify(tt.status, tt.message))
		})
	}
}

func TestClassifyError(t *testing.T) {
	se := &turn.StatusError{StatusCode: http.StatusServiceUnavailable, Body: "busy"}

	assert.Equal(t, turn.FailureCapacity, turn.ClassifyError(fmt.Errorf("dispatch: %w", se)))
	assert.Equal(t, turn.FailureNetwork, turn.ClassifyError(fmt.Errorf("read: %w", turn.ErrIdleTimeout)))
	assert.Equal(t, turn.FailureGeneric, turn.ClassifyError(errors.New("network connection reset")))
}

func TestFailureTextsDistinct(t *testing.T) {
	kinds := []turn.FailureKind{turn.FailureGeneric, turn.FailureCapacity, turn.FailureRateLimit, turn.FailureNetwork}
	seen := map[string]bool{}
	for _, k := range kinds {
		assert.NotEmpty(t, k.Text())
		assert.False(t, seen[k.Text()], k.String())
		seen[k.Text()] = true
	}
}

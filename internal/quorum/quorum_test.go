package quorum

import (
	"context"
	"errors"
	"testing"
	"time"
)

// chanReceiver replays queued responses and then blocks until ctx is done.
func chanReceiver(responses ...ReadValue) ReceiveFunc {
	ch := make(chan ReadValue, len(responses))
	for _, r := range responses {
		ch <- r
	}
	return func(ctx context.Context) (ReadValue, bool, error) {
		select {
		case v := <-ch:
			if v.Value == nil {
				return ReadValue{}, false, nil
			}
			return v, true, nil
		case <-ctx.Done():
			return ReadValue{}, false, ctx.Err()
		}
	}
}

func TestCollect_SuccessIffResponsesGEQ_Required(t *testing.T) {
	tests := []struct {
		name          string
		replicas      int
		required      int
		responses     int
		shouldSucceed bool
	}{
		{"R=2, 2 responses, should succeed", 3, 2, 2, true},
		{"R=2, 1 response, should fail", 3, 2, 1, false},
		{"R=2, 3 responses, should succeed", 3, 2, 3, true},
		{"R=3, 2 responses, should fail", 3, 3, 2, false},
		{"R=3, 3 responses, should succeed", 3, 3, 3, true},
		{"R=1, 1 response, should succeed", 3, 1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var values []ReadValue
			for i := 0; i < tt.responses; i++ {
				values = append(values, ReadValue{From: "peer", Value: i + 1})
			}

			result := Collect(context.Background(), tt.replicas, tt.required, 50*time.Millisecond, chanReceiver(values...))

			if result.Success != tt.shouldSucceed {
				t.Errorf("Expected success=%v, got %v (responses=%d, R=%d)",
					tt.shouldSucceed, result.Success, tt.responses, tt.required)
			}
			if !result.Success && result.ErrorMessage == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestCollect_StopsAtRequired(t *testing.T) {
	recv := chanReceiver(
		ReadValue{From: "a", Value: 1},
		ReadValue{From: "b", Value: 2},
		ReadValue{From: "c", Value: 3},
		ReadValue{From: "d", Value: 4},
	)

	start := time.Now()
	result := Collect(context.Background(), 4, 3, 5*time.Second, recv)
	duration := time.Since(start)

	if !result.Success {
		t.Fatalf("Expected success, got: %v", result.ErrorMessage)
	}
	if len(result.Values) != 3 {
		t.Errorf("Expected 3 values, got %d", len(result.Values))
	}
	if result.Values[0].From != "a" {
		t.Errorf("Expected arrival order to be kept, first=%q", result.Values[0].From)
	}
	if duration > time.Second {
		t.Errorf("Expected early termination, took %v", duration)
	}
}

func TestCollect_TimeoutIsOverallDeadline(t *testing.T) {
	// One response, then silence: the round must end at the deadline.
	recv := chanReceiver(ReadValue{From: "a", Value: "x"})

	timeout := 100 * time.Millisecond
	start := time.Now()
	result := Collect(context.Background(), 3, 3, timeout, recv)
	duration := time.Since(start)

	if result.Success {
		t.Error("Expected failure due to timeout")
	}
	if result.Responses != 1 {
		t.Errorf("Expected 1 response, got %d", result.Responses)
	}
	if duration < timeout || duration > 10*timeout {
		t.Errorf("Expected round to last about %v, took %v", timeout, duration)
	}
}

func TestCollect_SkipsRejectedResponses(t *testing.T) {
	recv := chanReceiver(
		ReadValue{From: "bad"},
		ReadValue{From: "a", Value: 1},
		ReadValue{From: "bad"},
		ReadValue{From: "b", Value: 2},
	)

	result := Collect(context.Background(), 2, 2, time.Second, recv)

	if !result.Success {
		t.Fatalf("Expected success, got: %v", result.ErrorMessage)
	}
	for _, v := range result.Values {
		if v.From == "bad" {
			t.Error("Rejected response was counted")
		}
	}
}

func TestCollect_RequiredAboveReplicasWaitsForDeadline(t *testing.T) {
	recv := chanReceiver(ReadValue{From: "a", Value: 1}, ReadValue{From: "b", Value: 2})

	timeout := 100 * time.Millisecond
	start := time.Now()
	result := Collect(context.Background(), 2, 3, timeout, recv)
	elapsed := time.Since(start)

	if result.Success {
		t.Error("Expected failure with fewer responses than required")
	}
	if result.Required != 3 {
		t.Errorf("Expected required=3, got %d", result.Required)
	}
	if result.Responses != 2 {
		t.Errorf("Expected 2 responses, got %d", result.Responses)
	}
	if elapsed < timeout {
		t.Errorf("Expected the round to last the full timeout, took %v", elapsed)
	}
}

func TestCollect_DefaultMajority(t *testing.T) {
	result := Collect(context.Background(), 5, 0, 50*time.Millisecond, chanReceiver())
	if result.Required != 3 {
		t.Errorf("Expected majority of 5 to be 3, got %d", result.Required)
	}
}

func TestCollect_ReceiveErrorEndsRound(t *testing.T) {
	calls := 0
	recv := func(ctx context.Context) (ReadValue, bool, error) {
		calls++
		return ReadValue{}, false, errors.New("use of closed network connection")
	}

	result := Collect(context.Background(), 3, 2, time.Second, recv)

	if result.Success {
		t.Error("Expected failure")
	}
	if calls != 1 {
		t.Errorf("Expected one receive call, got %d", calls)
	}
}

func TestCollect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := Collect(ctx, 3, 2, 5*time.Second, chanReceiver())

	if result.Success {
		t.Error("Expected failure on cancellation")
	}
	if time.Since(start) > time.Second {
		t.Error("Expected cancellation to end the round early")
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message")
	}
}

func TestCollect_NoReplicas(t *testing.T) {
	timeout := 100 * time.Millisecond
	start := time.Now()
	result := Collect(context.Background(), 0, 2, timeout, chanReceiver())
	elapsed := time.Since(start)

	if result.Success {
		t.Error("Expected failure with no replicas")
	}
	if result.ErrorMessage == "" {
		t.Error("Expected error message")
	}
	if elapsed < timeout || elapsed > 10*timeout {
		t.Errorf("Expected the round to last about the timeout, took %v", elapsed)
	}
}

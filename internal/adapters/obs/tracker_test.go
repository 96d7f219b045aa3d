package obs

import (
	"testing"
	"time"

	"github.com/hovercast/hovercast/errs"
)

func TestTrackerResolvesSuccessWithResponseData(t *testing.T) {
	tracker := NewRequestTracker("s1", time.Second)
	id, waiter := tracker.Track("GetVersion")
	if id != "1" {
		t.Fatalf("first request id = %q, want %q", id, "1")
	}

	ok := tracker.Complete(RequestResponsePayload{
		RequestID:     id,
		RequestType:   "GetVersion",
		RequestStatus: RequestStatus{Result: true, Code: 100},
		ResponseData:  map[string]any{"obsVersion": "30.0.0"},
	})
	if !ok {
		t.Fatal("Complete did not match the pending request")
	}

	res := <-waiter
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Data["obsVersion"] != "30.0.0" {
		t.Fatalf("response data = %v", res.Data)
	}
	if tracker.Pending() != 0 {
		t.Fatalf("pending = %d after completion", tracker.Pending())
	}
}

func TestTrackerResolvesProtocolErrorOnFailedStatus(t *testing.T) {
	tracker := NewRequestTracker("s1", time.Second)
	id, waiter := tracker.Track("SetCurrentProgramScene")

	tracker.Complete(RequestResponsePayload{
		RequestID:     id,
		RequestStatus: RequestStatus{Result: false, Code: 600, Comment: "no such scene"},
	})

	res := <-waiter
	if !errs.IsKind(res.Err, errs.KindApplication) {
		t.Fatalf("error kind = %v, want application", res.Err)
	}
}

func TestTrackerTimesOutUnansweredRequests(t *testing.T) {
	tracker := NewRequestTracker("s1", 20*time.Millisecond)
	_, waiter := tracker.Track("GetStats")

	select {
	case res := <-waiter:
		if !errs.IsKind(res.Err, errs.KindTimeout) {
			t.Fatalf("error kind = %v, want timeout", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}
	if tracker.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", tracker.Pending())
	}
}

func TestTrackerResolvesExactlyOnce(t *testing.T) {
	tracker := NewRequestTracker("s1", 30*time.Millisecond)
	id, waiter := tracker.Track("GetVersion")

	first := tracker.Complete(RequestResponsePayload{RequestID: id, RequestStatus: RequestStatus{Result: true}})
	second := tracker.Complete(RequestResponsePayload{RequestID: id, RequestStatus: RequestStatus{Result: true}})
	if !first || second {
		t.Fatalf("complete twice = (%v, %v), want (true, false)", first, second)
	}

	<-waiter
	// The timeout timer was stopped on completion; the waiter must stay
	// silent.
	select {
	case res := <-waiter:
		t.Fatalf("second resolution arrived: %+v", res)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestTrackerCancelAllDrainsEveryWaiter(t *testing.T) {
	tracker := NewRequestTracker("s1", time.Minute)
	_, w1 := tracker.Track("GetVersion")
	_, w2 := tracker.Track("GetStats")

	tracker.CancelAll(errs.New("obs", errs.KindNotConnected, errs.WithMessage("teardown")))

	for _, waiter := range []<-chan Result{w1, w2} {
		select {
		case res := <-waiter:
			if !errs.IsKind(res.Err, errs.KindNotConnected) {
				t.Fatalf("error kind = %v, want not_connected", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter never resolved on CancelAll")
		}
	}
}

func TestTrackerBatchResolution(t *testing.T) {
	tracker := NewRequestTracker("s1", time.Second)
	id, waiter := tracker.TrackBatch()

	ok := tracker.CompleteBatch(RequestBatchResponsePayload{
		RequestID: id,
		Results: []RequestResponsePayload{
			{RequestID: id + "-0", RequestStatus: RequestStatus{Result: true, Code: 100}},
			{RequestID: id + "-1", RequestStatus: RequestStatus{Result: false, Code: 600}},
		},
	})
	if !ok {
		t.Fatal("CompleteBatch did not match the pending batch")
	}
	res := <-waiter
	if len(res.Batch) != 2 {
		t.Fatalf("batch results = %d, want 2", len(res.Batch))
	}
}

func TestTrackerIgnoresUnknownResponses(t *testing.T) {
	tracker := NewRequestTracker("s1", time.Second)
	if tracker.Complete(RequestResponsePayload{RequestID: "999"}) {
		t.Fatal("unknown request id must not match")
	}
}

package interval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func ev(entity, typ string, sec int, seq int64) Event {
	return Event{EntityID: entity, Type: typ, At: at(sec), Seq: seq}
}

func closed(entity string, from, to int) Interval {
	return Interval{EntityID: entity, Start: at(from), End: at(to)}
}

func open(entity string, from int) Interval {
	return Interval{EntityID: entity, Start: at(from), Open: true}
}

func TestPair(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		window *Window
		want   []Interval
	}{
		{
			name: "simple open close",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "close", 300, 2),
			},
			want: []Interval{closed("c1", 0, 300)},
		},
		{
			name: "reopened conversation yields two intervals",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "close", 60, 2),
				ev("c1", "open", 120, 3),
				ev("c1", "close", 200, 4),
			},
			want: []Interval{
				closed("c1", 0, 60),
				closed("c1", 120, 200),
			},
		},
		{
			name: "trailing start is open",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "close", 60, 2),
				ev("c1", "open", 90, 3),
			},
			want: []Interval{closed("c1", 0, 60), open("c1", 90)},
		},
		{
			name: "orphan end dropped",
			events: []Event{
				ev("c1", "close", 10, 1),
				ev("c1", "open", 20, 2),
				ev("c1", "close", 30, 3),
			},
			want: []Interval{closed("c1", 20, 30)},
		},
		{
			name: "duplicate start overwrites pending",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "open", 50, 2),
				ev("c1", "close", 80, 3),
			},
			want: []Interval{closed("c1", 50, 80)},
		},
		{
			name: "unsorted input",
			events: []Event{
				ev("c2", "close", 40, 4),
				ev("c1", "close", 30, 2),
				ev("c2", "open", 5, 3),
				ev("c1", "open", 10, 1),
			},
			want: []Interval{closed("c1", 10, 30), closed("c2", 5, 40)},
		},
		{
			name: "sequence breaks timestamp ties",
			events: []Event{
				ev("c1", "close", 10, 2),
				ev("c1", "open", 10, 1),
			},
			want: []Interval{closed("c1", 10, 10)},
		},
		{
			name: "foreign event types ignored",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "join", 5, 2),
				ev("c1", "close", 9, 3),
			},
			want: []Interval{closed("c1", 0, 9)},
		},
		{
			name: "window filters on start only",
			events: []Event{
				ev("c1", "open", 0, 1),
				ev("c1", "close", 500, 2),
				ev("c2", "open", 200, 3),
				ev("c2", "close", 5000, 4),
			},
			window: &Window{From: at(100), To: at(300)},
			want:   []Interval{closed("c2", 200, 5000)},
		},
		{
			name: "close only",
			events: []Event{
				ev("c1", "close", 10, 1),
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pair(tt.events, ConversationStream, tt.window)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Pair mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPairSecondaryKey(t *testing.T) {
	events := []Event{
		{EntityID: "c1", SecondaryKey: "u1", Type: "join", At: at(10), Seq: 1},
		{EntityID: "c1", SecondaryKey: "u2", Type: "join", At: at(20), Seq: 2},
		{EntityID: "c1", SecondaryKey: "u1", Type: "leave", At: at(30), Seq: 3},
	}
	got := Pair(events, ParticipantStream, nil)
	want := []Interval{
		{EntityID: "c1", SecondaryKey: "u1", Start: at(10), End: at(30)},
		{EntityID: "c1", SecondaryKey: "u2", Start: at(20), Open: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pair mismatch (-want +got):\n%s", diff)
	}
}

func TestPairNoOverlapWithinPartition(t *testing.T) {
	var events []Event
	types := []string{"open", "open", "close", "close", "open", "close", "open"}
	for i, typ := range types {
		events = append(events, ev("c1", typ, i*10, int64(i)))
	}
	got := Pair(events, ConversationStream, nil)
	for i := 1; i < len(got); i++ {
		prev := got[i-1]
		if prev.Open {
			t.Fatalf("open interval %d is not last", i-1)
		}
		if got[i].Start.Before(prev.End) {
			t.Errorf("interval %d starts %v before previous end %v",
				i, got[i].Start, prev.End)
		}
	}
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, 300*time.Second, closed("c1", 0, 300).Duration())
	assert.Zero(t, open("c1", 0).Duration())
}

func TestPairAllMatchesPair(t *testing.T) {
	var events []Event
	var seq int64
	for c := range 40 {
		id := fmt.Sprintf("c%02d", c)
		for k := range 5 {
			seq++
			events = append(events, ev(id, "open", c+k*100, seq))
			if (c+k)%3 != 0 {
				seq++
				events = append(events, ev(id, "close", c+k*100+50, seq))
			}
		}
	}

	want := Pair(events, ConversationStream, nil)
	for _, workers := range []int{0, 1, 3, 16} {
		got, err := PairAll(
			context.Background(), events, ConversationStream, nil, workers,
		)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("workers=%d mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestPairAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := PairAll(ctx, []Event{
		ev("c1", "open", 0, 1),
		ev("c1", "close", 10, 2),
	}, ConversationStream, nil, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClip(t *testing.T) {
	outer := closed("c1", 100, 400)
	tests := []struct {
		name  string
		inner []Interval
		opts  ClipOptions
		want  []Interval
	}{
		{
			name:  "inside unchanged",
			inner: []Interval{closed("c1", 150, 200)},
			want:  []Interval{closed("c1", 150, 200)},
		},
		{
			name:  "clipped both sides",
			inner: []Interval{closed("c1", 50, 500)},
			want:  []Interval{closed("c1", 100, 400)},
		},
		{
			name:  "open inner runs to outer end",
			inner: []Interval{open("c1", 130)},
			want:  []Interval{closed("c1", 130, 400)},
		},
		{
			name: "disjoint dropped",
			inner: []Interval{
				closed("c1", 0, 50),
				closed("c1", 450, 500),
				closed("c1", 0, 100),
			},
			want: nil,
		},
		{
			name:  "other entity dropped",
			inner: []Interval{closed("c2", 150, 200)},
			want:  nil,
		},
		{
			name:  "start within drops early starters",
			inner: []Interval{closed("c1", 50, 200), closed("c1", 300, 350)},
			opts:  ClipOptions{StartWithin: true},
			want:  []Interval{closed("c1", 300, 350)},
		},
		{
			name:  "start at close kept with zero span",
			inner: []Interval{open("c1", 400)},
			opts:  ClipOptions{StartWithin: true},
			want:  []Interval{closed("c1", 400, 400)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nested := Clip(outer, tt.inner, tt.opts)
			var got []Interval
			for _, n := range nested {
				if n.Parent != outer {
					t.Errorf("parent = %+v, want %+v", n.Parent, outer)
				}
				if n.Start.Before(outer.Start) || n.End.After(outer.End) {
					t.Errorf("nested %+v escapes outer", n.Interval)
				}
				got = append(got, n.Interval)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Clip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClipOpenOuter(t *testing.T) {
	got := Clip(open("c1", 0), []Interval{closed("c1", 10, 20)}, ClipOptions{})
	assert.Empty(t, got)
}

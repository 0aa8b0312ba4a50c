package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/errors"
)

func popAll(t *testing.T, q *Queue) []Event {
	q.Close()

	var events []Event
	for {
		ev, err := q.Pop()
		if err != nil {
			require.Equal(t, ErrClosed, err)
			return events
		}
		events = append(events, ev)
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Add("a.txt", Create, "")
	q.Add("b.txt", Update, "")
	q.Add("c.txt", Delete, "")

	assert.Equal(t, []Event{
		{Path: "a.txt", Kind: Create},
		{Path: "b.txt", Kind: Update},
		{Path: "c.txt", Kind: Delete},
	}, popAll(t, q))
}

func TestQueueCoalescing(t *testing.T) {
	tests := []struct {
		name string
		add  []Kind
		exp  []Kind
	}{
		{"RepeatedUpdateAbsorbed", []Kind{Update, Update, Update}, []Kind{Update}},
		{"UpdateOverCreateAbsorbed", []Kind{Create, Update}, []Kind{Create}},
		{"DeleteCancelsCreate", []Kind{Create, Delete}, nil},
		{"DeleteReplacesUpdate", []Kind{Update, Delete}, []Kind{Delete}},
		{"CreateOverDeleteBecomesUpdate", []Kind{Delete, Create}, []Kind{Update}},
		{"RecreateAfterCancel", []Kind{Create, Delete, Create}, []Kind{Create}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			q := NewQueue()
			for _, kind := range test.add {
				q.Add("a.txt", kind, "")
			}

			var kinds []Kind
			for _, ev := range popAll(t, q) {
				kinds = append(kinds, ev.Kind)
			}
			assert.Equal(t, test.exp, kinds)
		})
	}
}

// Popping an event releases its slot: later producers for the same path
// queue a fresh event instead of coalescing with consumed work.
func TestQueueSlotFreedAfterPop(t *testing.T) {
	q := NewQueue()
	q.Add("a.txt", Create, "")

	ev, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, Create, ev.Kind)

	q.Add("a.txt", Delete, "")
	ev, err = q.Pop()
	require.NoError(t, err)
	assert.Equal(t, Delete, ev.Kind)
}

func TestQueueNonMutatingKindsKeepSeparateSlots(t *testing.T) {
	q := NewQueue()
	q.Add("a.txt", Share, "bob")
	q.Add("a.txt", Share, "bob")
	q.Add("a.txt", Share, "carol")
	q.Add("a.txt", Update, "")

	assert.Equal(t, []Event{
		{Path: "a.txt", Kind: Share, Meta: "bob"},
		{Path: "a.txt", Kind: Share, Meta: "carol"},
		{Path: "a.txt", Kind: Update},
	}, popAll(t, q))
}

func TestQueuePopBlocks(t *testing.T) {
	q := NewQueue()

	got := make(chan Event, 1)
	go func() {
		ev, err := q.Pop()
		require.NoError(t, err)
		got <- ev
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before an event was queued")
	case <-time.After(50 * time.Millisecond):
	}

	q.Add("a.txt", Create, "")
	select {
	case ev := <-got:
		assert.Equal(t, Event{Path: "a.txt", Kind: Create}, ev)
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestQueueDrainsBeforeFailing(t *testing.T) {
	q := NewQueue()
	q.Add("a.txt", Create, "")

	boom := errors.New("watch failed")
	q.fail(boom)

	ev, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", ev.Path)

	_, err = q.Pop()
	assert.Equal(t, boom, err)
}

func TestQueueAddAfterClose(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Add("a.txt", Create, "")

	_, err := q.Pop()
	assert.Equal(t, ErrClosed, err)
}

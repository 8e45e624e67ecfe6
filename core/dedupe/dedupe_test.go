package dedupe

import (
	"fmt"
	"sync"
	"testing"
)

func TestHasSeen_NewMessage(t *testing.T) {
	d := New()
	if d.HasSeen("rpimsg/0xcafebabe/text", []byte("hello")) {
		t.Error("new message should not be marked as seen")
	}
}

func TestHasSeen_Duplicate(t *testing.T) {
	d := New()
	d.HasSeen("rpimsg/0xcafebabe/text", []byte("hello"))
	if !d.HasSeen("rpimsg/0xcafebabe/text", []byte("hello")) {
		t.Error("duplicate should be marked as seen")
	}
}

func TestHasSeen_DifferentTopicOrBody(t *testing.T) {
	d := New()
	d.HasSeen("rpimsg/0xcafebabe/text", []byte("hello"))

	if d.HasSeen("rpimsg/0xbabebabe/text", []byte("hello")) {
		t.Error("same body on another topic should be new")
	}
	if d.HasSeen("rpimsg/0xcafebabe/text", []byte("bye")) {
		t.Error("different body should be new")
	}
}

func TestHash_TopicBoundary(t *testing.T) {
	// the length prefix keeps topic and body from running together
	if Hash("ab", []byte("c")) == Hash("a", []byte("bc")) {
		t.Error("hash should separate topic from body")
	}
}

func TestHasSeen_Eviction(t *testing.T) {
	d := NewWithCapacity(2)
	d.HasSeen("t", []byte("1"))
	d.HasSeen("t", []byte("2"))
	d.HasSeen("t", []byte("3")) // evicts "1"

	if d.HasSeen("t", []byte("3")) != true {
		t.Error("recent message should be remembered")
	}
	if d.HasSeen("t", []byte("1")) {
		t.Error("evicted message should be new again")
	}
}

func TestClear(t *testing.T) {
	d := New()
	d.HasSeen("t", []byte("x"))
	d.Clear()
	if d.HasSeen("t", []byte("x")) {
		t.Error("cleared deduplicator should forget messages")
	}
}

func TestHasSeen_Concurrent(t *testing.T) {
	d := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				if !d.HasSeen("t", []byte(fmt.Sprint(j))) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if fresh != 16 {
		t.Errorf("fresh = %d, want each of 16 bodies counted once", fresh)
	}
}

func TestSeen_DoesNotRecord(t *testing.T) {
	d := New()
	if d.Seen("t", []byte("x")) {
		t.Fatal("unmarked message should not be seen")
	}
	if d.Seen("t", []byte("x")) {
		t.Error("Seen should not record the message")
	}

	d.Mark("t", []byte("x"))
	if !d.Seen("t", []byte("x")) {
		t.Error("marked message should be seen")
	}
	if !d.HasSeen("t", []byte("x")) {
		t.Error("HasSeen should agree with Mark")
	}
}

func TestMark_Idempotent(t *testing.T) {
	d := NewWithCapacity(2)
	d.Mark("t", []byte("1"))
	d.Mark("t", []byte("1"))
	d.Mark("t", []byte("2"))

	// a repeated Mark must not take a second slot and evict "1" early
	if !d.Seen("t", []byte("1")) {
		t.Error("first message should still be remembered")
	}
}

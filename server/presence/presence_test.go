package presence

import (
	"testing"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

func TestTracker_New_Defaults(t *testing.T) {
	tr := New(Config{})
	if tr.cfg.Timeout != DefaultTimeout {
		t.Errorf("default Timeout = %v, want %v", tr.cfg.Timeout, DefaultTimeout)
	}
	if len(tr.All()) != 0 {
		t.Errorf("new tracker should be empty")
	}
}

func TestTracker_Touch(t *testing.T) {
	tr := New(Config{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.nowFn = func() time.Time { return now }

	tr.Touch(0xcafebabe, "10.0.0.2:5000")
	now = now.Add(time.Minute)
	tr.Touch(0xcafebabe, "10.0.0.2:5001")

	s, ok := tr.Get(0xcafebabe)
	if !ok {
		t.Fatal("touched device should be known")
	}
	if !s.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", s.LastSeen, now)
	}
	if s.Remote != "10.0.0.2:5001" {
		t.Errorf("Remote = %q", s.Remote)
	}
	if _, ok := tr.Get(0x1); ok {
		t.Error("unknown device should not be found")
	}
}

func TestTracker_CheckTimeouts(t *testing.T) {
	var silent []protocol.DeviceID
	tr := New(Config{
		Timeout:  time.Minute,
		OnSilent: func(s Seen) { silent = append(silent, s.ID) },
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.nowFn = func() time.Time { return now }

	tr.Touch(1, "a")
	tr.Touch(2, "b")
	now = now.Add(50 * time.Second)
	tr.Touch(2, "b")
	now = now.Add(20 * time.Second)

	tr.CheckTimeouts()
	if len(silent) != 1 || silent[0] != 1 {
		t.Fatalf("silent = %v, want [1]", silent)
	}

	// reported once per silence period
	tr.CheckTimeouts()
	if len(silent) != 1 {
		t.Errorf("silent reported again: %v", silent)
	}

	tr.Touch(1, "a")
	if s, _ := tr.Get(1); s.Silent {
		t.Error("poll should clear Silent")
	}
	now = now.Add(2 * time.Minute)
	tr.CheckTimeouts()
	if len(silent) != 3 {
		t.Errorf("silent = %v, want both devices reported again", silent)
	}
}

func TestTracker_All_Sorted(t *testing.T) {
	tr := New(Config{})
	for _, id := range []protocol.DeviceID{3, 1, 2} {
		tr.Touch(id, "")
	}
	all := tr.All()
	for i, want := range []protocol.DeviceID{1, 2, 3} {
		if all[i].ID != want {
			t.Errorf("All()[%d] = %s, want %s", i, all[i].ID, want)
		}
	}
}

package relay

import (
	"testing"
	"time"
)

func TestReapingRemovesEmptySessionAfterGrace(t *testing.T) {
	d := NewDirectory()
	s, _ := d.getOrCreate("reap-me", "")
	d.markEmptyOrAlive(s)

	// Not yet past the grace period.
	d.reapOnce(time.Now(), nil)
	if d.get("reap-me") == nil {
		t.Fatal("session reaped too early")
	}

	// Simulate the grace period having elapsed.
	d.reapOnce(time.Now().Add(emptySessionGrace+time.Second), nil)
	if d.get("reap-me") != nil {
		t.Fatal("expected session to be reaped after grace period")
	}
}

func TestReapingSkipsSessionWithViewer(t *testing.T) {
	d := NewDirectory()
	s, _ := d.getOrCreate("busy", "")
	s.viewers["v1"] = &Viewer{ViewerID: "v1"}
	d.markEmptyOrAlive(s)

	d.reapOnce(time.Now().Add(emptySessionGrace+time.Second), nil)
	if d.get("busy") == nil {
		t.Fatal("session with an active viewer should not be reaped")
	}
}

func TestDaemonDisconnectDetachesSessions(t *testing.T) {
	d := NewDirectory()
	s, _ := d.getOrCreate("owned", "")
	c := &conn{send: make(chan any, 1), closed: make(chan struct{})}
	s.bindProducer(c, "pk")

	rec := &DaemonRecord{DaemonID: "d1", ActiveSessionIDs: map[string]struct{}{"owned": {}}}
	d.addDaemon(rec)
	d.removeDaemon("d1")

	if d.get("owned").producerConn() != nil {
		t.Fatal("expected daemon disconnect to clear the producer binding")
	}
}

func TestFirstDaemonReturnsNilWhenNoneConnected(t *testing.T) {
	d := NewDirectory()
	if d.firstDaemon() != nil {
		t.Fatal("expected nil with no daemons connected")
	}
}

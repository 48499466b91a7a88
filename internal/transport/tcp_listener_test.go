// internal/transport/tcp_listener_test.go
package transport

import (
	"testing"
	"time"
)

func TestPasswordListenerMatchesConnectionByPassword(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenPassword: %v", err)
	}
	defer pl.Close()

	pw, wait, cancel := pl.ReservePassword()
	defer cancel()

	nc, err := DialWithPassword(pl.Addr().String(), pw, nil)
	if err != nil {
		t.Fatalf("DialWithPassword: %v", err)
	}
	defer nc.Close()

	select {
	case got := <-wait:
		if got.Err != nil {
			t.Fatalf("accepted connection carried error: %v", got.Err)
		}
		if got.Conn == nil {
			t.Fatal("expected a non-nil accepted connection")
		}
		got.Conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("reservation never matched the incoming connection")
	}
}

func TestPasswordListenerRejectsUnknownPassword(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenPassword: %v", err)
	}
	defer pl.Close()

	_, wait, cancel := pl.ReservePassword()
	defer cancel()

	bogus := make([]byte, passwordLen)
	nc, err := DialWithPassword(pl.Addr().String(), bogus, nil)
	if err != nil {
		t.Fatalf("DialWithPassword: %v", err)
	}
	defer nc.Close()

	select {
	case <-wait:
		t.Fatal("reservation matched a connection with the wrong password")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPasswordListenerCancelRemovesReservation(t *testing.T) {
	pl, err := ListenPassword("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenPassword: %v", err)
	}
	defer pl.Close()

	pw, wait, cancel := pl.ReservePassword()
	cancel()

	nc, err := DialWithPassword(pl.Addr().String(), pw, nil)
	if err != nil {
		t.Fatalf("DialWithPassword: %v", err)
	}
	defer nc.Close()

	select {
	case <-wait:
		t.Fatal("cancelled reservation should never receive a match")
	case <-time.After(200 * time.Millisecond):
	}
}

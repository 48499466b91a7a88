// internal/wire/message_test.go
package wire

import (
	"bufio"
	"bytes"
	"net"
	"testing"
)

func mustScopedAddr(t *testing.T, scope string, port int) ScopedAddr {
	t.Helper()
	a, err := NewScopedAddr(scope, "tcp", &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: port}, nil)
	if err != nil {
		t.Fatalf("NewScopedAddr: %v", err)
	}
	return a
}

func roundTrip(t *testing.T, m SignalMessage) SignalMessage {
	t.Helper()
	encoded := EncodeSignal(m)
	decoded, err := DecodeSignal(encoded)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	return decoded
}

func TestYouConnectRoundTripZeroAddrs(t *testing.T) {
	in := YouConnect{}
	out := roundTrip(t, in).(YouConnect)
	if len(out.Addrs) != 0 || out.Key != nil || out.Password != nil {
		t.Fatalf("expected empty YOUCONNECT, got %+v", out)
	}
}

func TestYouConnectRoundTripManyAddrsAndKey(t *testing.T) {
	in := YouConnect{
		Addrs: []ScopedAddr{
			mustScopedAddr(t, "internet", 1194),
			mustScopedAddr(t, "lan", 1195),
			mustScopedAddr(t, "internet", 1196),
		},
		Key: []byte{1, 2, 3, 4},
	}
	out := roundTrip(t, in).(YouConnect)
	if len(out.Addrs) != 3 {
		t.Fatalf("expected 3 addrs, got %d", len(out.Addrs))
	}
	for i, a := range out.Addrs {
		if a.Scope != in.Addrs[i].Scope {
			t.Errorf("addr %d scope = %q, want %q", i, a.Scope, in.Addrs[i].Scope)
		}
		if !a.Multiaddr.Equal(in.Addrs[i].Multiaddr) {
			t.Errorf("addr %d multiaddr mismatch", i)
		}
	}
	if !bytes.Equal(out.Key, in.Key) {
		t.Errorf("key mismatch: got %v want %v", out.Key, in.Key)
	}
	if out.Password != nil {
		t.Errorf("expected nil password, got %v", out.Password)
	}
}

func TestYouConnectRoundTripPassword(t *testing.T) {
	in := YouConnect{Password: []byte("hunter2")}
	out := roundTrip(t, in).(YouConnect)
	if !bytes.Equal(out.Password, in.Password) {
		t.Fatalf("password mismatch: got %q want %q", out.Password, in.Password)
	}
}

func TestEmptyPayloadMessagesRoundTrip(t *testing.T) {
	for _, m := range []SignalMessage{CannotConnect{}, CannotBind{}, YouRetry{}} {
		out := roundTrip(t, m)
		if out.MsgType() != m.MsgType() {
			t.Fatalf("round trip type mismatch: got %v want %v", out.MsgType(), m.MsgType())
		}
	}
}

func TestSeedRoundTrip(t *testing.T) {
	in := Seed{SeedID: 42, Key: []byte{0xAA, 0xBB}, IV: []byte{0x01, 0x02, 0x03}}
	out := roundTrip(t, in).(Seed)
	if out.SeedID != in.SeedID || !bytes.Equal(out.Key, in.Key) || !bytes.Equal(out.IV, in.IV) {
		t.Fatalf("SEED round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestConfirmSeedRoundTrip(t *testing.T) {
	in := ConfirmSeed{SeedID: 7}
	out := roundTrip(t, in).(ConfirmSeed)
	if out.SeedID != in.SeedID {
		t.Fatalf("CONFIRMSEED round trip mismatch: got %d want %d", out.SeedID, in.SeedID)
	}
}

func TestDecodeSignalRejectsTrailingGarbage(t *testing.T) {
	encoded := EncodeSignal(YouRetry{})
	encoded = append(encoded, 0xFF)
	if _, err := DecodeSignal(encoded); err == nil {
		t.Fatal("expected error for trailing garbage after empty-payload message")
	}
}

func TestDecodeSignalRejectsUnknownType(t *testing.T) {
	if _, err := DecodeSignal([]byte{0xFF, 0xFF}); err == nil {
		t.Fatal("expected error for unknown msg_header type")
	}
}

func TestPacketProtoRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		{},
		{1, 2, 3},
		bytes.Repeat([]byte{0x42}, 4096),
	}
	for _, p := range payloads {
		if err := WritePacket(&buf, p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	r := bufio.NewReader(&buf)
	for i, want := range payloads {
		got, err := ReadPacket(r)
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("ReadPacket %d mismatch: got %d bytes want %d", i, len(got), len(want))
		}
	}
}

func TestReadPacketRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF}) // claims 65535 bytes, over MaxPacketLen
	r := bufio.NewReader(&buf)
	if _, err := ReadPacket(r); err == nil {
		t.Fatal("expected error for oversize packet length")
	}
}

func TestScFrameRoundTrips(t *testing.T) {
	ready := Ready{SelfID: 9, ExternalIP: net.ParseIP("198.51.100.1")}
	f, err := DecodeFrame(ready.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind != ScReady {
		t.Fatalf("expected ScReady, got %v", f.Kind)
	}
	got, err := DecodeReady(f.Payload)
	if err != nil {
		t.Fatalf("DecodeReady: %v", err)
	}
	if got.SelfID != ready.SelfID || !got.ExternalIP.Equal(ready.ExternalIP) {
		t.Fatalf("Ready round trip mismatch: got %+v want %+v", got, ready)
	}

	nc := NewClient{ID: 3, Flags: FlagSSLRequired | FlagRelayClient, Cert: []byte("certbytes")}
	f2, _ := DecodeFrame(nc.Encode())
	gotNC, err := DecodeNewClient(f2.Payload)
	if err != nil {
		t.Fatalf("DecodeNewClient: %v", err)
	}
	if gotNC.ID != nc.ID || gotNC.Flags != nc.Flags || !bytes.Equal(gotNC.Cert, nc.Cert) {
		t.Fatalf("NewClient round trip mismatch: got %+v want %+v", gotNC, nc)
	}
}

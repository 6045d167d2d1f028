package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onionmixer/modembridge/internal/telnet"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func TestTelnetEndpointTryWriteEscapesIAC(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ep := newTelnetEndpoint(client, telnet.New(), testEntry(), nil)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	n, err := ep.TryWrite([]byte{0x01, telnet.IAC, 0x02})
	if err != nil {
		t.Fatalf("TryWrite: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}

	select {
	case got := <-done:
		want := []byte{0x01, telnet.IAC, telnet.IAC, 0x02}
		if string(got) != string(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server read")
	}
}

func TestTelnetEndpointTryReadAnswersNegotiationAndReturnsPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ep := newTelnetEndpoint(client, telnet.New(), testEntry(), nil)

	go func() {
		server.Write([]byte{telnet.IAC, telnet.WILL, telnet.OptEcho, 'h', 'i'})
	}()

	replyDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		replyDone <- buf[:n]
	}()

	buf := make([]byte, 16)
	var n int
	var err error
	for i := 0; i < 20; i++ {
		n, err = ep.TryRead(buf)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("TryRead: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("payload = %q, want %q", buf[:n], "hi")
	}

	select {
	case reply := <-replyDone:
		want := []byte{telnet.IAC, telnet.DO, telnet.OptEcho}
		if string(reply) != string(want) {
			t.Fatalf("negotiation reply = %v, want %v", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for negotiation reply")
	}
}

func TestTelnetEndpointIsHealthyAndClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ep := newTelnetEndpoint(client, telnet.New(), testEntry(), nil)
	if !ep.IsHealthy() {
		t.Fatal("expected healthy with open conn")
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNegotiationQuiescence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ep := newTelnetEndpoint(client, telnet.New(), testEntry(), nil)

	base := time.Now()
	if ep.NegotiationQuiesced(base, 100*time.Millisecond) {
		t.Fatal("should not be quiesced immediately after construction")
	}
	if !ep.NegotiationQuiesced(base.Add(150*time.Millisecond), 100*time.Millisecond) {
		t.Fatal("expected quiescence once 100ms pass with no option bytes")
	}

	// A fresh endpoint that sees payload quiesces immediately regardless of
	// the window.
	ep2 := newTelnetEndpoint(client, telnet.New(), testEntry(), nil)
	ep2.notePayload()
	if !ep2.NegotiationQuiesced(time.Now(), time.Hour) {
		t.Fatal("payload arrival must end the negotiation phase")
	}
}

package telephony

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeFreeswitch accepts one event socket connection and runs the given
// script against it.
func fakeFreeswitch(t *testing.T, script func(conn net.Conn, r *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, bufio.NewReader(conn))
	}()
	return ln.Addr().String()
}

// readCommand reads one client command terminated by a blank line.
func readCommand(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("fake freeswitch read: %v", err)
			return b.String()
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func handshake(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()
	fmt.Fprint(conn, "Content-Type: auth/request\n\n")
	cmd := readCommand(t, r)
	if !strings.HasPrefix(cmd, "auth ClueCon") {
		t.Errorf("auth command = %q", cmd)
	}
	fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
}

func sendPlainEvent(conn net.Conn, headers string) {
	body := headers
	fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body)
}

func TestDialSubscribeAndReceive(t *testing.T) {
	addr := fakeFreeswitch(t, func(conn net.Conn, r *bufio.Reader) {
		handshake(t, conn, r)

		cmd := readCommand(t, r)
		if !strings.Contains(cmd, "event plain CHANNEL_ANSWER CHANNEL_HANGUP CUSTOM") {
			t.Errorf("subscribe command = %q", cmd)
		}
		fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled\n\n")

		sendPlainEvent(conn, "Event-Name: CHANNEL_ANSWER\nUnique-ID: call-1\nCaller-Caller-ID-Number: 1001\n\n")
		sendPlainEvent(conn, "Event-Name: CUSTOM\nEvent-Subclass: audio%3A%3Adata\nUnique-ID: call-1\naudio-data: QUJD\n\n")
		time.Sleep(200 * time.Millisecond)
	})

	client, err := DialESL(context.Background(), addr, "ClueCon")
	if err != nil {
		t.Fatalf("DialESL() error = %v", err)
	}
	defer client.Close()
	if err := client.Subscribe("CHANNEL_ANSWER", "CHANNEL_HANGUP", "CUSTOM"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	evt := awaitEvent(t, client)
	if evt.Name() != "CHANNEL_ANSWER" || evt.Get("Unique-ID") != "call-1" {
		t.Fatalf("first event = %+v", evt.Headers)
	}
	if got := evt.Get("Caller-Caller-ID-Number"); got != "1001" {
		t.Fatalf("caller = %q, want 1001", got)
	}

	evt = awaitEvent(t, client)
	if evt.Name() != "CUSTOM" {
		t.Fatalf("second event name = %q", evt.Name())
	}
	if got := evt.Subclass(); got != AudioSubclass {
		t.Fatalf("subclass = %q, want %q (url decoding)", got, AudioSubclass)
	}
	if got := evt.Get("audio-data"); got != "QUJD" {
		t.Fatalf("audio-data = %q, want QUJD", got)
	}
}

func awaitEvent(t *testing.T, client *ESLClient) Event {
	t.Helper()
	select {
	case evt, ok := <-client.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestAuthRejected(t *testing.T) {
	addr := fakeFreeswitch(t, func(conn net.Conn, r *bufio.Reader) {
		fmt.Fprint(conn, "Content-Type: auth/request\n\n")
		readCommand(t, r)
		fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
	})

	if _, err := DialESL(context.Background(), addr, "wrong"); err == nil {
		t.Fatal("DialESL() should fail on rejected auth")
	}
}

func TestSendEventFraming(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeFreeswitch(t, func(conn net.Conn, r *bufio.Reader) {
		handshake(t, conn, r)
		readCommand(t, r) // event plain
		fmt.Fprint(conn, "Content-Type: command/reply\nReply-Text: +OK\n\n")

		head := readCommand(t, r)
		buf := make([]byte, 4)
		if _, err := r.Read(buf); err != nil {
			t.Errorf("read event body: %v", err)
		}
		received <- head + "|" + string(buf)
	})

	client, err := DialESL(context.Background(), addr, "ClueCon")
	if err != nil {
		t.Fatalf("DialESL() error = %v", err)
	}
	defer client.Close()
	if err := client.Subscribe("CUSTOM"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	err = client.SendEvent(RelayAudioSubclass, map[string]string{"Unique-ID": "call-9"}, []byte("ABCD"))
	if err != nil {
		t.Fatalf("SendEvent() error = %v", err)
	}

	select {
	case got := <-received:
		for _, want := range []string{
			"sendevent CUSTOM",
			"Event-Subclass: relay::audio",
			"Unique-ID: call-9",
			"Content-Length: 4",
			"|ABCD",
		} {
			if !strings.Contains(got, want) {
				t.Fatalf("sendevent frame missing %q:\n%s", want, got)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake freeswitch never saw the event")
	}
}

func TestParseEventBody(t *testing.T) {
	evt, err := parseEventBody([]byte("Event-Name: CHANNEL_HANGUP\nUnique-ID: abc\nHangup-Cause: NORMAL_CLEARING\n\n"))
	if err != nil {
		t.Fatalf("parseEventBody() error = %v", err)
	}
	if evt.Name() != "CHANNEL_HANGUP" || evt.Get("Hangup-Cause") != "NORMAL_CLEARING" {
		t.Fatalf("parsed event = %+v", evt.Headers)
	}

	if _, err := parseEventBody([]byte("Unique-ID: abc\n\n")); err == nil {
		t.Fatal("parseEventBody() should reject events without Event-Name")
	}
}

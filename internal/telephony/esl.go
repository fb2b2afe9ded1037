// Package telephony connects FreeSWITCH calls to the relay. The ESL client
// speaks the FreeSWITCH event socket protocol; the bridge turns call events
// into relay websocket sessions.
package telephony

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is one FreeSWITCH event with decoded headers and an optional body.
type Event struct {
	Headers map[string]string
	Body    []byte
}

// Name returns the Event-Name header.
func (e Event) Name() string { return e.Headers["Event-Name"] }

// Subclass returns the Event-Subclass header of CUSTOM events.
func (e Event) Subclass() string { return e.Headers["Event-Subclass"] }

// Get returns a header value, "" when absent.
func (e Event) Get(key string) string { return e.Headers[key] }

// ESLClient is a FreeSWITCH event socket connection. One goroutine pumps
// inbound blocks; commands are fire-and-forget with replies logged by the
// pump.
type ESLClient struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

const eslEventBuffer = 1024

// DialESL connects and authenticates against a FreeSWITCH event socket.
func DialESL(ctx context.Context, addr, password string) (*ESLClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial esl: %w", err)
	}

	c := &ESLClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		events: make(chan Event, eslEventBuffer),
		done:   make(chan struct{}),
	}

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	headers, _, err := c.readBlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth challenge: %w", err)
	}
	if ct := headers["Content-Type"]; ct != "auth/request" {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting content type %q", ct)
	}

	if err := c.writeRaw("auth " + password + "\n\n"); err != nil {
		conn.Close()
		return nil, err
	}
	headers, _, err = c.readBlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if reply := headers["Reply-Text"]; !strings.HasPrefix(reply, "+OK") {
		conn.Close()
		return nil, fmt.Errorf("esl auth rejected: %q", reply)
	}
	conn.SetDeadline(time.Time{})

	return c, nil
}

// Subscribe asks for plain-format delivery of the named events and starts the
// inbound pump. Call once, before reading Events.
func (c *ESLClient) Subscribe(names ...string) error {
	if err := c.writeRaw("event plain " + strings.Join(names, " ") + "\n\n"); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	headers, _, err := c.readBlock()
	if err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if reply := headers["Reply-Text"]; !strings.HasPrefix(reply, "+OK") {
		return fmt.Errorf("esl subscribe rejected: %q", reply)
	}
	c.conn.SetReadDeadline(time.Time{})

	go c.pump()
	return nil
}

// Events is the stream of subscribed events. Closed when the connection
// drops.
func (c *ESLClient) Events() <-chan Event { return c.events }

// Done is closed when the connection is gone.
func (c *ESLClient) Done() <-chan struct{} { return c.done }

// SendCommand issues a fire-and-forget api command. The reply is consumed by
// the pump.
func (c *ESLClient) SendCommand(cmd string) error {
	return c.writeRaw(cmd + "\n\n")
}

// SendEvent injects a CUSTOM event into FreeSWITCH, used to hand assistant
// audio back to the media path.
func (c *ESLClient) SendEvent(subclass string, headers map[string]string, body []byte) error {
	var b strings.Builder
	b.WriteString("sendevent CUSTOM\n")
	b.WriteString("Event-Subclass: " + subclass + "\n")
	for k, v := range headers {
		b.WriteString(k + ": " + v + "\n")
	}
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\n\n")
	b.Write(body)
	return c.writeRaw(b.String())
}

func (c *ESLClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *ESLClient) writeRaw(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(s)); err != nil {
		return fmt.Errorf("esl write: %w", err)
	}
	return nil
}

// pump reads protocol blocks and publishes decoded events. Command replies
// and unknown content types are dropped.
func (c *ESLClient) pump() {
	defer close(c.events)
	defer c.Close()

	for {
		headers, body, err := c.readBlock()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("esl: read: %v", err)
			}
			return
		}

		switch headers["Content-Type"] {
		case "text/event-plain":
			evt, err := parseEventBody(body)
			if err != nil {
				log.Printf("esl: bad event body: %v", err)
				continue
			}
			select {
			case c.events <- evt:
			default:
				log.Printf("esl: event buffer full, dropping %s", evt.Name())
			}
		case "command/reply", "api/response":
			if reply := headers["Reply-Text"]; strings.HasPrefix(reply, "-ERR") {
				log.Printf("esl: command failed: %q", reply)
			}
		case "text/disconnect-notice":
			return
		}
	}
}

// readBlock reads one header block plus its Content-Length body.
func (c *ESLClient) readBlock() (map[string]string, []byte, error) {
	headers := make(map[string]string)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		headers[key] = value
	}

	var body []byte
	if cl := headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, nil, fmt.Errorf("bad content length %q", cl)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, nil, err
		}
	}
	return headers, body, nil
}

// parseEventBody decodes the header block of a plain-format event. Values are
// URL-encoded on the wire; a nested Content-Length marks a raw event body.
func parseEventBody(body []byte) (Event, error) {
	reader := textproto.NewReader(bufio.NewReader(strings.NewReader(string(body))))
	evt := Event{Headers: make(map[string]string)}
	for {
		line, err := reader.ReadLine()
		if err != nil || line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		evt.Headers[key] = value
	}
	if evt.Headers["Event-Name"] == "" {
		return Event{}, errors.New("event without Event-Name")
	}

	if cl := evt.Headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err == nil && n > 0 {
			rest := make([]byte, n)
			if _, err := io.ReadFull(reader.R, rest); err == nil {
				evt.Body = rest
			}
		}
	}
	return evt, nil
}


package pop3

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/hipaadirect/direct-go/internal/transport"
)

// replyError is a -ERR response.
type replyError struct {
	cmd  string
	text string
}

func (e *replyError) Error() string {
	if e.text == "" {
		return e.cmd + ": -ERR"
	}
	return e.cmd + ": -ERR " + e.text
}

// listing is one UIDL entry.
type listing struct {
	ID  int
	UID string
}

// conn is an RFC 1939 session on a connection dialed by a
// transport.Dialer, so the caller's context can tear it down.
type conn struct {
	tp *textproto.Conn
}

func dial(d *transport.Dialer, cfg Config) (*conn, error) {
	raw, err := d.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	if cfg.TLS {
		raw = tls.Client(raw, &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.TLSSkipVerify})
	}
	c := &conn{tp: textproto.NewConn(raw)}
	if _, err := c.status("greeting"); err != nil {
		_ = c.tp.Close()
		return nil, err
	}
	return c, nil
}

// status reads a single status line and returns the text after +OK.
func (c *conn) status(cmd string) (string, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	switch {
	case line == "+OK" || strings.HasPrefix(line, "+OK "):
		return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
	case line == "-ERR" || strings.HasPrefix(line, "-ERR "):
		return "", &replyError{cmd: cmd, text: strings.TrimSpace(strings.TrimPrefix(line, "-ERR"))}
	}
	return "", transport.Protocol(transport.KindPOP3, cmd, "unexpected response "+strconv.Quote(line), nil)
}

func (c *conn) cmd(name, format string, args ...any) (string, error) {
	if err := c.tp.PrintfLine(format, args...); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return c.status(name)
}

// lines reads a dot-terminated multi-line body, undoing dot stuffing and
// keeping CRLF line endings.
func (c *conn) lines(cmd string) ([]string, error) {
	var out []string
	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		if line == "." {
			return out, nil
		}
		out = append(out, strings.TrimPrefix(line, "."))
	}
}

func (c *conn) auth(user, pass string) error {
	if _, err := c.cmd("user", "USER %s", user); err != nil {
		return err
	}
	_, err := c.cmd("pass", "PASS %s", pass)
	return err
}

func (c *conn) stat() (count, size int, err error) {
	text, err := c.cmd("stat", "STAT")
	if err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(text, "%d %d", &count, &size); err != nil {
		return 0, 0, transport.Protocol(transport.KindPOP3, "stat", "malformed STAT reply", err)
	}
	return count, size, nil
}

func (c *conn) uidl() ([]listing, error) {
	if _, err := c.cmd("uidl", "UIDL"); err != nil {
		return nil, err
	}
	lines, err := c.lines("uidl")
	if err != nil {
		return nil, err
	}
	out := make([]listing, 0, len(lines))
	for _, l := range lines {
		f := strings.Fields(l)
		if len(f) == 0 {
			continue
		}
		id, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, transport.Protocol(transport.KindPOP3, "uidl", "malformed UIDL line", err)
		}
		m := listing{ID: id}
		if len(f) > 1 {
			m.UID = f[1]
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *conn) retr(id int) ([]byte, error) {
	if _, err := c.cmd("retr", "RETR %d", id); err != nil {
		return nil, err
	}
	lines, err := c.lines("retr")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			buf.WriteString("\r\n")
		}
		buf.WriteString(l)
	}
	return buf.Bytes(), nil
}

func (c *conn) dele(id int) error {
	_, err := c.cmd("dele", "DELE %d", id)
	return err
}

func (c *conn) noop() error {
	_, err := c.cmd("noop", "NOOP")
	return err
}

func (c *conn) quit() error {
	_, err := c.cmd("quit", "QUIT")
	if cerr := c.tp.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

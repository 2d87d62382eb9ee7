package imap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipaadirect/direct-go/internal/derrors"
	"github.com/hipaadirect/direct-go/internal/transport"
)

const testMailbox = "Direct"

// startServer runs the go-imap in-memory server. Its single account is
// username/password.
func startServer(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { s.Close() })
	return ln.Addr().String()
}

func seed(t *testing.T, addr string, from ...string) {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	_ = c.Create(testMailbox)
	_ = c.Create("Processed")
	for i, f := range from {
		msg := fmt.Sprintf("From: %s\r\nTo: bob@hospital.direct\r\nSubject: m%d\r\nMessage-Id: <m%d@clinic.direct>\r\n\r\nbody %d\r\n", f, i, i, i)
		date := time.Date(2026, 1, 1+i, 12, 0, 0, 0, time.UTC)
		require.NoError(t, c.Append(testMailbox, nil, date, bytes.NewBufferString(msg)))
	}
}

func newBackend(t *testing.T, addr string, policy transport.AckPolicy) *Backend {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscanf(port, "%d", &p)
	require.NoError(t, err)
	b, err := New(Config{
		Host:      host,
		Port:      p,
		Username:  "username",
		Password:  "password",
		Security:  transport.SecurityNone,
		Mailbox:   testMailbox,
		AckPolicy: policy,
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	return b
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Host: "mail.example"})
	require.NoError(t, err)
	assert.Equal(t, 993, b.cfg.Port)
	assert.Equal(t, "INBOX", b.cfg.Mailbox)
	assert.Equal(t, transport.AckMarkRead, b.cfg.AckPolicy)

	b, err = New(Config{Host: "mail.example", Security: transport.SecurityStartTLS})
	require.NoError(t, err)
	assert.Equal(t, 143, b.cfg.Port)
}

func TestBackend_FetchPeeksInUIDOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startServer(t)
	seed(t, addr, "a@clinic.direct", "b@clinic.direct", "c@lab.direct")
	b := newBackend(t, addr, transport.AckDefault)

	n, err := b.CheckCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := b.Fetch(ctx, transport.FetchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Less(t, first[0].Seq, first[1].Seq)
	assert.Contains(t, string(first[0].Data), "Subject: m0")

	second, err := b.Fetch(ctx, transport.FetchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, first, second, "BODY.PEEK leaves messages unseen")

	filtered, err := b.Fetch(ctx, transport.FetchOptions{Filter: transport.Filter{From: "c@lab.direct"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Contains(t, string(filtered[0].Data), "Subject: m2")
}

func TestBackend_AcknowledgePolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		policy transport.AckPolicy
	}{
		{"mark read", transport.AckMarkRead},
		{"move", transport.AckMove},
		{"delete", transport.AckDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			addr := startServer(t)
			seed(t, addr, "a@clinic.direct", "b@clinic.direct")
			b := newBackend(t, addr, tt.policy)

			envs, err := b.Fetch(ctx, transport.FetchOptions{})
			require.NoError(t, err)
			require.Len(t, envs, 2)

			require.NoError(t, b.Acknowledge(ctx, envs[0].ID, transport.AckDefault))
			err = b.Acknowledge(ctx, envs[0].ID, transport.AckDefault)
			assert.ErrorIs(t, err, derrors.ErrNotFound)

			n, err := b.CheckCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			rest, err := b.Fetch(ctx, transport.FetchOptions{})
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, envs[1].ID, rest[0].ID)
		})
	}
}

func TestBackend_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startServer(t)
	seed(t, addr)

	b := newBackend(t, addr, transport.AckDefault)
	b.cfg.Password = "wrong"
	assert.ErrorIs(t, b.Ping(ctx), derrors.ErrConnect)

	ok := newBackend(t, addr, transport.AckDefault)
	assert.ErrorIs(t, ok.Acknowledge(ctx, "not-a-uid", transport.AckDefault), derrors.ErrNotFound)
	assert.ErrorIs(t, ok.Acknowledge(ctx, "1", "archive"), derrors.ErrUnsupported)
	_, err := ok.Send(ctx, transport.Outbound{})
	assert.ErrorIs(t, err, derrors.ErrUnsupported)
	assert.NoError(t, ok.Ping(ctx))
}

func mailboxSize(t *testing.T, addr, name string) uint32 {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	st, err := c.Select(name, true)
	require.NoError(t, err)
	return st.Messages
}

func TestBackend_MoveFallsBackToCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startServer(t)
	seed(t, addr, "a@clinic.direct", "b@clinic.direct")
	b := newBackend(t, addr, transport.AckMove)

	envs, err := b.Fetch(ctx, transport.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, envs, 2)

	// The in-memory server advertises MOVE but refuses it.
	require.NoError(t, b.Acknowledge(ctx, envs[0].ID, transport.AckDefault))
	assert.Equal(t, uint32(1), mailboxSize(t, addr, "Processed"))
	assert.Equal(t, uint32(1), mailboxSize(t, addr, testMailbox))
}

func TestBackend_MoveToMissingMailbox(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startServer(t)
	seed(t, addr, "a@clinic.direct")
	b := newBackend(t, addr, transport.AckMove)
	b.cfg.ProcessedMailbox = "Archive"

	envs, err := b.Fetch(ctx, transport.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, envs, 1)

	err = b.Acknowledge(ctx, envs[0].ID, transport.AckDefault)
	assert.ErrorIs(t, err, derrors.ErrProtocol)
	assert.NotErrorIs(t, err, derrors.ErrConnect)

	n, err := b.CheckCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "message stays pending")
}

package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtbenfield/pg-cloudflare/socket/socktest"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openSession(t *testing.T, conn *socktest.Conn) *Session {
	t.Helper()
	conn.ResolveOpened(nil)

	s, err := New(testCtx(t), socktest.NewDialer(conn), "127.0.0.1", 5432, "tcp", false, nil)
	require.NoError(t, err)
	return s
}

func TestSessionBuffersAndDrains(t *testing.T) {
	ctx := testCtx(t)
	conn := socktest.New()
	conn.QueueRead([]byte("chunk one "))
	conn.QueueRead([]byte("chunk two"))

	s := openSession(t, conn)

	var got []byte
	for len(got) < len("chunk one chunk two") {
		p, ended, err := s.Read(ctx, 0)
		require.NoError(t, err)
		require.False(t, ended)
		got = append(got, p...)
	}
	require.Equal(t, "chunk one chunk two", string(got))

	info := s.Snapshot()
	require.Equal(t, StatusOpen, info.Status)
	require.Equal(t, uint64(len(got)), info.BytesIn)
	require.Zero(t, info.Buffered)
}

func TestSessionReadCappedByMax(t *testing.T) {
	ctx := testCtx(t)
	conn := socktest.New()
	conn.QueueRead([]byte("abcdef"))

	s := openSession(t, conn)

	p, _, err := s.Read(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(p))

	p, _, err = s.Read(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "ef", string(p))
}

func TestSessionReadReportsEnd(t *testing.T) {
	ctx := testCtx(t)
	conn := socktest.New()
	conn.QueueRead([]byte("last"))
	conn.QueueReadErr(io.EOF)

	s := openSession(t, conn)

	p, ended, err := s.Read(ctx, 0)
	require.NoError(t, err)
	require.False(t, ended)
	require.Equal(t, "last", string(p))

	_, ended, err = s.Read(ctx, 0)
	require.NoError(t, err)
	require.True(t, ended)

	require.Equal(t, StatusEnded, s.Snapshot().Status)
}

func TestSessionReadTimesOut(t *testing.T) {
	conn := socktest.New()
	s := openSession(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := s.Read(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionWriteCountsBytes(t *testing.T) {
	ctx := testCtx(t)
	conn := socktest.New()
	s := openSession(t, conn)

	require.NoError(t, s.Write(ctx, []byte("query")))
	require.Equal(t, uint64(5), s.Snapshot().BytesOut)
	require.Equal(t, [][]byte{[]byte("query")}, conn.Writes())
}

func TestSessionDestroyTransitionsClosed(t *testing.T) {
	ctx := testCtx(t)
	conn := socktest.New()
	s := openSession(t, conn)

	require.NoError(t, s.Destroy(ctx))
	require.Eventually(t, func() bool {
		return s.Snapshot().Status == StatusClosed
	}, time.Second, 10*time.Millisecond)
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager()

	conn := socktest.New()
	s := openSession(t, conn)

	m.Add(s)
	require.Same(t, s, m.Get(s.ID()))

	found := false
	for _, info := range m.List() {
		if info.ID == s.ID() {
			found = true
		}
	}
	require.True(t, found)

	m.Remove(s.ID())
	require.Nil(t, m.Get(s.ID()))
}

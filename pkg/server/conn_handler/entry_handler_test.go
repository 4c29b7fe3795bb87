package conn_handler

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/strandapp/strand/pkg/connpool"
)

type fakeStore struct {
	m map[string][]byte
}

func (s *fakeStore) Get(key string) []byte { return s.m[key] }

func (s *fakeStore) Set(key string, value []byte, ttl time.Duration) bool {
	if len(key) == 0 || ttl <= 0 {
		return false
	}
	s.m[key] = value
	return true
}

func (s *fakeStore) Remove(key string) bool {
	delete(s.m, key)
	return true
}

func (s *fakeStore) Count() int    { return len(s.m) }
func (s *fakeStore) DBSize() int64 { return 4096 }
func (s *fakeStore) GC()           {}

type fakePool struct {
	acquireErr error
	releases   int
}

func (p *fakePool) Acquire(_ context.Context, kind connpool.Kind) (*connpool.Handle, error) {
	return nil, p.acquireErr
}

func (p *fakePool) Release(_ *connpool.Handle) error {
	p.releases++
	return nil
}

func runSession(t *testing.T, h *EntryHandler, lines []string) []string {
	t.Helper()

	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), srv)
		srv.Close()
		close(done)
	}()

	br := bufio.NewReader(client)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, err := client.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
		resp, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, resp[:len(resp)-1])
	}
	client.Close()
	<-done
	return out
}

func Test_entryHandler_commands(t *testing.T) {
	h := NewEntryHandler(EntryHandlerOpts{Store: &fakeStore{m: map[string][]byte{}}})

	got := runSession(t, h, []string{
		"SET k 60000 hello world",
		"GET k",
		"COUNT",
		"DEL k",
		"GET k",
		"SET k 0 v",
		"BOGUS",
		"QUIT",
	})

	want := []string{
		"+OK",
		"+hello world",
		"+1",
		"+OK",
		"-ERR not found",
		"-ERR invalid ttl",
		`-ERR unknown command "BOGUS"`,
		"+BYE",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func Test_entryHandler_ping(t *testing.T) {
	t.Run("no pool", func(t *testing.T) {
		h := NewEntryHandler(EntryHandlerOpts{Store: &fakeStore{m: map[string][]byte{}}})
		got := runSession(t, h, []string{"PING redis"})
		if got[0] != "-ERR no pool configured" {
			t.Fatalf("got %q", got[0])
		}
	})

	t.Run("acquire failure", func(t *testing.T) {
		p := &fakePool{acquireErr: errors.New("store kind not available: redis")}
		h := NewEntryHandler(EntryHandlerOpts{Store: &fakeStore{m: map[string][]byte{}}, Pool: p})
		got := runSession(t, h, []string{"PING redis"})
		if got[0] != "-ERR store kind not available: redis" {
			t.Fatalf("got %q", got[0])
		}
	})
}

package mailer

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one conversation and records the envelope and data.
type fakeSMTP struct {
	listener net.Listener

	mu   sync.Mutex
	from string
	rcpt []string
	data string
	done chan struct{}
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{listener: l, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeSMTP) server() Server {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return Server{Host: host, Port: p}
}

func (s *fakeSMTP) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	defer close(s.done)

	r := bufio.NewReader(conn)
	write := func(line string) { conn.Write([]byte(line + "\r\n")) }

	write("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			write("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			s.mu.Unlock()
			write("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.Trim(line[len("RCPT TO:"):], "<> "))
			s.mu.Unlock()
			write("250 OK")
		case cmd == "DATA":
			write("354 go ahead")
			var b strings.Builder
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				b.WriteString(dl)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			write("250 queued")
		case cmd == "QUIT":
			write("221 bye")
			return
		default:
			write("502 not implemented")
		}
	}
}

func TestSend(t *testing.T) {
	srv := newFakeSMTP(t)
	m := New(zerolog.Nop())

	err := m.Send(context.Background(), srv.server(), Message{
		From:    "hostplay@example.com",
		To:      []string{"admin@example.com"},
		Subject: "Deployment failed\r\nBcc: victim@example.com",
		Body:    "task: Clone app\nrc: 128",
	})
	require.NoError(t, err)
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "hostplay@example.com", srv.from)
	assert.Equal(t, []string{"admin@example.com"}, srv.rcpt)
	assert.Contains(t, srv.data, "Subject: Deployment failedBcc: victim@example.com\r\n")
	assert.NotContains(t, srv.data, "\r\nBcc:")
	assert.Contains(t, srv.data, "task: Clone app\r\nrc: 128\r\n")
}

func TestSendValidation(t *testing.T) {
	m := New(zerolog.Nop())
	ctx := context.Background()

	assert.Error(t, m.Send(ctx, Server{}, Message{From: "a@b", To: []string{"c@d"}}))
	assert.Error(t, m.Send(ctx, Server{Host: "localhost"}, Message{From: "a@b"}))
	assert.Error(t, m.Send(ctx, Server{Host: "localhost"}, Message{To: []string{"c@d"}}))
}

func TestSendConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	err = New(zerolog.Nop()).Send(context.Background(),
		Server{Host: "127.0.0.1", Port: addr.Port},
		Message{From: "a@b", To: []string{"c@d"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestServerAddress(t *testing.T) {
	assert.Equal(t, "mail.example.com:25", Server{Host: "mail.example.com"}.Address())
	assert.Equal(t, "mail.example.com:587", Server{Host: "mail.example.com", Port: 587}.Address())
}

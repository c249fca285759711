package sniffer

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/consts"
	"github.com/quillmail/gate/mailclient"
)

// bannerListener accepts one connection, writes banner and closes.
func bannerListener(t *testing.T, banner string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(banner))
		// Give the sniffer a moment to read before the close races it.
		buf := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		conn.Read(buf)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestDetectIMAP(t *testing.T) {
	host, port := bannerListener(t, "* OK [CAPABILITY IMAP4rev1] Dovecot ready.\r\n")

	s := New(2 * time.Second)
	protocol, err := s.Detect(context.Background(), host, port, mailclient.SecurityPlain)
	require.NoError(t, err)
	assert.Equal(t, mailclient.ProtocolIMAP, protocol)
}

func TestDetectSMTP(t *testing.T) {
	host, port := bannerListener(t, "220 mail.example.com ESMTP Postfix\r\n")

	s := New(2 * time.Second)
	protocol, err := s.Detect(context.Background(), host, port, mailclient.SecurityPlain)
	require.NoError(t, err)
	assert.Equal(t, mailclient.ProtocolSMTP, protocol)
}

func TestDetectPOP3(t *testing.T) {
	host, port := bannerListener(t, "+OK POP3 server ready\r\n")

	s := New(2 * time.Second)
	protocol, err := s.Detect(context.Background(), host, port, mailclient.SecurityPlain)
	require.NoError(t, err)
	assert.Equal(t, mailclient.ProtocolPOP3, protocol)
}

func TestDetectUnknownBanner(t *testing.T) {
	host, port := bannerListener(t, "HTTP/1.1 400 Bad Request\r\n\r\n")

	s := New(2 * time.Second)
	_, err := s.Detect(context.Background(), host, port, mailclient.SecurityPlain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrProtocolUnknown))
}

func TestDetectConnectionRefused(t *testing.T) {
	// Grab a port and close the listener so nothing is there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(time.Second)
	_, err = s.Detect(context.Background(), "127.0.0.1", port, mailclient.SecurityPlain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrProtocolUnknown))
}

func TestDetectSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Hold the connection open without ever greeting.
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s := New(500 * time.Millisecond)
	_, err = s.Detect(context.Background(), addr.IP.String(), addr.Port, mailclient.SecurityPlain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrProtocolUnknown))
}

func TestClassify(t *testing.T) {
	cases := map[string]mailclient.Protocol{
		"* ok imap4rev1 ready":   mailclient.ProtocolIMAP,
		"220 host esmtp postfix": mailclient.ProtocolSMTP,
		"+ok pop3 ready":         mailclient.ProtocolPOP3,
		"220 host esmtp poppy":   mailclient.ProtocolSMTP,
		"ssh-2.0-openssh_9.0":    mailclient.ProtocolUnknown,
		"":                       mailclient.ProtocolUnknown,
	}
	for banner, want := range cases {
		assert.Equal(t, want, Classify(banner), "banner %s", strconv.Quote(banner))
	}
}

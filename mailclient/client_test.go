package mailclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/gate/consts"
)

func TestParseSecurity(t *testing.T) {
	assert.Equal(t, SecurityPlain, ParseSecurity("plain"))
	assert.Equal(t, SecurityPlain, ParseSecurity("NONE"))
	assert.Equal(t, SecurityStartTLS, ParseSecurity("STARTTLS"))
	assert.Equal(t, SecurityTLS, ParseSecurity("tls"))
	assert.Equal(t, SecurityTLS, ParseSecurity("ssl"))
	assert.Equal(t, SecurityTLS, ParseSecurity(""), "unknown values default to TLS")
}

func TestServerDescriptorAddr(t *testing.T) {
	d := ServerDescriptor{Host: "imap.example.com", Port: 993}
	assert.Equal(t, "imap.example.com:993", d.Addr())
}

func TestNewFactorySelection(t *testing.T) {
	imap, err := New(Endpoint{Server: ServerDescriptor{Protocol: ProtocolIMAP}}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &imapClient{}, imap)

	google, err := New(Endpoint{Server: ServerDescriptor{Protocol: ProtocolGoogle}}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &gmailClient{}, google)

	_, err = New(Endpoint{Server: ServerDescriptor{Protocol: ProtocolPOP3}}, Options{})
	assert.True(t, errors.Is(err, consts.ErrUnsupported))

	_, err = New(Endpoint{Server: ServerDescriptor{}}, Options{})
	assert.True(t, errors.Is(err, consts.ErrUnsupported))
}

func TestNewSenderFactorySelection(t *testing.T) {
	smtp, err := NewSender(Endpoint{Server: ServerDescriptor{Protocol: ProtocolSMTP}}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &smtpSender{}, smtp)

	google, err := NewSender(Endpoint{Server: ServerDescriptor{Protocol: ProtocolGoogle}}, Options{})
	require.NoError(t, err)
	assert.IsType(t, &gmailClient{}, google)

	_, err = NewSender(Endpoint{Server: ServerDescriptor{Protocol: ProtocolIMAP}}, Options{})
	assert.True(t, errors.Is(err, consts.ErrUnsupported))
}

package mailclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Quarterly numbers attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Quarterly numbers <b>attached</b>.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer--\r\n"

func TestParseMIMEBodyMultipart(t *testing.T) {
	text, html, attachments := parseMIMEBody([]byte(multipartMessage))

	assert.Contains(t, text, "Quarterly numbers attached.")
	assert.Contains(t, html, "<b>attached</b>")

	require.Len(t, attachments, 1)
	assert.Equal(t, "report.pdf", attachments[0].Filename)
	assert.Equal(t, "application/pdf", attachments[0].MIMEType)
	assert.Greater(t, attachments[0].Size, int64(0))
}

func TestParseMIMEBodyPlainFallback(t *testing.T) {
	raw := []byte("just some bytes, not a MIME message")
	text, html, attachments := parseMIMEBody(raw)
	assert.Equal(t, string(raw), text)
	assert.Empty(t, html)
	assert.Empty(t, attachments)
}

func TestMakePreview(t *testing.T) {
	assert.Equal(t, "hello world", makePreview("  hello\nworld \n", ""))

	preview := makePreview("", "<p>Hello <b>HTML</b> world</p>")
	assert.Contains(t, preview, "Hello")
	assert.Contains(t, preview, "world")
	assert.NotContains(t, preview, "<b>")

	long := strings.Repeat("a", 500)
	assert.Len(t, makePreview(long, ""), previewLength)

	assert.Empty(t, makePreview("", ""))
}

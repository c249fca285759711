package autodiscover

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/quillmail/gate/mailclient"
)

// clientConfig mirrors the Thunderbird autoconfig XML schema
// (config-v1.1). Only the fields the gateway consumes are mapped.
type clientConfig struct {
	XMLName       xml.Name      `xml:"clientConfig"`
	EmailProvider emailProvider `xml:"emailProvider"`
}

type emailProvider struct {
	ID              string        `xml:"id,attr"`
	IncomingServers []serverEntry `xml:"incomingServer"`
	OutgoingServers []serverEntry `xml:"outgoingServer"`
}

type serverEntry struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       int    `xml:"port"`
	SocketType string `xml:"socketType"`
	Username   string `xml:"username"`
}

// parseAutoconfig decodes an autoconfig XML document and selects the
// first usable incoming and outgoing entries. Sources listing multiple
// servers are tie-broken by document order, not capability.
func parseAutoconfig(data []byte) (incoming, outgoing mailclient.ServerDescriptor, err error) {
	var doc clientConfig
	if err := xml.Unmarshal(data, &doc); err != nil {
		return incoming, outgoing, fmt.Errorf("failed to parse autoconfig XML: %w", err)
	}

	in, ok := firstUsable(doc.EmailProvider.IncomingServers)
	if !ok {
		return incoming, outgoing, fmt.Errorf("autoconfig XML has no usable incoming server")
	}
	out, ok := firstUsable(doc.EmailProvider.OutgoingServers)
	if !ok {
		return incoming, outgoing, fmt.Errorf("autoconfig XML has no usable outgoing server")
	}

	return descriptorFromEntry(in), descriptorFromEntry(out), nil
}

func firstUsable(entries []serverEntry) (serverEntry, bool) {
	for _, entry := range entries {
		if entry.Hostname != "" && entry.Port > 0 {
			return entry, true
		}
	}
	return serverEntry{}, false
}

func descriptorFromEntry(entry serverEntry) mailclient.ServerDescriptor {
	return mailclient.ServerDescriptor{
		Host:     strings.ToLower(entry.Hostname),
		Port:     entry.Port,
		Security: securityFromSocketType(entry.SocketType),
		Protocol: protocolFromType(entry.Type),
	}
}

func securityFromSocketType(socketType string) mailclient.Security {
	switch strings.ToUpper(strings.TrimSpace(socketType)) {
	case "SSL":
		return mailclient.SecurityTLS
	case "STARTTLS":
		return mailclient.SecurityStartTLS
	case "PLAIN":
		return mailclient.SecurityPlain
	default:
		return mailclient.SecurityTLS
	}
}

func protocolFromType(serverType string) mailclient.Protocol {
	switch strings.ToLower(strings.TrimSpace(serverType)) {
	case "imap":
		return mailclient.ProtocolIMAP
	case "pop3":
		return mailclient.ProtocolPOP3
	case "smtp":
		return mailclient.ProtocolSMTP
	default:
		return mailclient.ProtocolUnknown
	}
}

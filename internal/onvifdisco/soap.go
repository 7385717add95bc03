// Package onvifdisco implements C6: ONVIF device discovery over WS-Discovery,
// profile/stream-URI enumeration, and pull-point motion event subscription.
//
// WS-Discovery probing, the well-known-path HTTP fallback, and the
// WS-Security Password-Digest envelope are hand-rolled, grounded on
// SridarDhandapani's stream_scanner_simple.go
// (other_examples/6032415b_SridarDhandapani-onvif__scaffolding-stream_scanner_simple.go.go):
// its probeMessage, discoverCameras, generatePasswordDigest and
// sendSOAPRequest functions. spec.md §4.6 itself asks for "no library
// dependency beyond SHA1 and base64" for the digest, so crypto/sha1 and
// encoding/base64 are used directly rather than reaching for a WS-Security
// library the example pack doesn't contain one of anyway. Profile and
// stream-URI enumeration instead uses github.com/IOTechSystems/onvif,
// grounded on Strix's onvif_simple.go
// (other_examples/d5f76420_eduard256-Strix__internal-camera-discovery-onvif_simple.go.go),
// since that piece is a well-defined SOAP call the library already covers.
package onvifdisco

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// wsSecurityHeader builds the WS-Security UsernameToken block sendSOAP
// embeds in the envelope's <Header>. Empty credentials mean an unsecured
// request: the header is omitted entirely rather than sent with a blank
// digest, matching SridarDhandapani's `if username != ""` guard.
func wsSecurityHeader(username, password string) string {
	if username == "" {
		return ""
	}
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	created := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
<UsernameToken>
<Username>%s</Username>
<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
</UsernameToken>
</Security>`, username, digest, nonceB64, created)
}

// buildProbe is a fresh WS-Discovery Probe datagram. spec.md §4.6 step 2
// requires a fresh MessageID per probe so re-probe rounds aren't mistaken
// for duplicates by a device that dedupes on it.
func buildProbe() []byte {
	id := uuid.New().String()
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"
          xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
          xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
          xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
    <Header>
        <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
        <a:MessageID>uuid:%s</a:MessageID>
        <a:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
    </Header>
    <Body>
        <d:Probe>
            <d:Types>dn:NetworkVideoTransmitter</d:Types>
        </d:Probe>
    </Body>
</Envelope>`, id))
}

// soapClient posts a WS-Security-wrapped SOAP body to endpoint and returns
// the raw response, following sendSOAPRequest's shape.
type soapClient struct {
	http *http.Client
}

func newSoapClient(timeout time.Duration) *soapClient {
	return &soapClient{http: &http.Client{Timeout: timeout}}
}

func (c *soapClient) post(endpoint, username, password, action, body string) ([]byte, error) {
	security := wsSecurityHeader(username, password)
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:tt="http://www.onvif.org/ver10/schema"
            xmlns:tds="http://www.onvif.org/ver10/device/wsdl"
            xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
<s:Header>%s</s:Header>
<s:Body>%s</s:Body>
</s:Envelope>`, security, body)

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewBufferString(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// http.Client.Do returns a nil error for any completed round trip
	// regardless of status, so a non-2xx response (a SOAP fault, or a
	// plain 404 from a host that just happens to have port 80 open) must be
	// checked explicitly — otherwise getSystemDateAndTime's HTTP fallback
	// would misidentify any reachable web server as an ONVIF device.
	if resp.StatusCode/100 != 2 {
		return payload, fmt.Errorf("soap request to %s failed: %s", endpoint, resp.Status)
	}
	return payload, nil
}

// getSystemDateAndTime is the HTTP fallback probe for §4.6's candidate-set
// path: a host with port 80 open but no WS-Discovery ProbeMatch is still
// confirmed ONVIF-capable by a successful GetSystemDateAndTime call against
// one of the well-known device service paths.
func (c *soapClient) getSystemDateAndTime(endpoint string) error {
	_, err := c.post(endpoint, "", "", "http://www.onvif.org/ver10/device/wsdl/GetSystemDateAndTime", `<tds:GetSystemDateAndTime/>`)
	return err
}

var wellKnownDevicePaths = []string{
	"/onvif/device_service",
	"/onvif/services",
	"/onvif/service",
	"/device_service",
}

package onvifdisco

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightnvr/core/internal/config"
)

func onvifTestServer(t *testing.T, pullBody string) (*httptest.Server, *string) {
	t.Helper()
	var lastAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAction = r.Header.Get("SOAPAction")
		body, _ := io.ReadAll(r.Body)
		_ = body
		w.Header().Set("Content-Type", "application/soap+xml")
		switch {
		case lastAction == "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest":
			_, _ = w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2">
<s:Body><wsnt:CreatePullPointSubscriptionResponse>
<wsnt:SubscriptionReference><wsnt:Address>http://` + r.Host + `/subscription/1</wsnt:Address></wsnt:SubscriptionReference>
<wsnt:CurrentTime>2026-01-01T00:00:00Z</wsnt:CurrentTime>
<wsnt:TerminationTime>` + time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `</wsnt:TerminationTime>
</wsnt:CreatePullPointSubscriptionResponse></s:Body></s:Envelope>`))
		default:
			_, _ = w.Write([]byte(pullBody))
		}
	}))
	return srv, &lastAction
}

func TestMotionSinceDetectsMotionMarker(t *testing.T) {
	pullBody := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>
<wsnt:PullMessagesResponse xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2">
<wsnt:NotificationMessage><wsnt:Topic>tns1:RuleEngine/MotionDetector</wsnt:Topic></wsnt:NotificationMessage>
</wsnt:PullMessagesResponse></s:Body></s:Envelope>`
	srv, _ := onvifTestServer(t, pullBody)
	defer srv.Close()

	sub := NewEventSubscriber(config.New())
	assert.True(t, sub.MotionSince(srv.URL+"/onvif/event_service", time.Now().Add(-time.Minute)))
}

func TestMotionSinceNoMarkerReturnsFalse(t *testing.T) {
	pullBody := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>
<wsnt:PullMessagesResponse xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"></wsnt:PullMessagesResponse>
</s:Body></s:Envelope>`
	srv, _ := onvifTestServer(t, pullBody)
	defer srv.Close()

	sub := NewEventSubscriber(config.New())
	assert.False(t, sub.MotionSince(srv.URL+"/onvif/event_service", time.Now().Add(-time.Minute)))
}

func TestMotionSinceCachesSubscriptionAcrossCalls(t *testing.T) {
	srv, _ := onvifTestServer(t, `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body></s:Body></s:Envelope>`)
	defer srv.Close()

	sub := NewEventSubscriber(config.New())
	cameraURL := srv.URL + "/onvif/event_service"
	sub.MotionSince(cameraURL, time.Now())
	addr1, err := sub.subscriptionAddress(cameraURL)
	require.NoError(t, err)

	sub.MotionSince(cameraURL, time.Now())
	addr2, err := sub.subscriptionAddress(cameraURL)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
}

func TestMotionSinceInvalidatesCacheOnPullFailure(t *testing.T) {
	sub := NewEventSubscriber(config.New())
	sub.subs["http://unreachable.invalid/onvif"] = cachedSubscription{
		address:   "http://unreachable.invalid/subscription/1",
		expiresAt: time.Now().Add(time.Hour),
	}
	result := sub.MotionSince("http://unreachable.invalid/onvif", time.Now())
	assert.False(t, result)

	sub.mu.Lock()
	_, ok := sub.subs["http://unreachable.invalid/onvif"]
	sub.mu.Unlock()
	assert.False(t, ok)
}

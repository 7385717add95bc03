package onvifdisco

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lightnvr/core/internal/config"
)

// motionMarkers are the XML body substrings spec.md §4.6 treats as a
// motion event in a PullMessages response — a deliberately loose
// substring match rather than a strict schema decode, since different
// ONVIF vendors nest the same three topic families under different
// wrapper elements.
var motionMarkers = []string{
	"RuleEngine/MotionDetector",
	"VideoAnalytics/Motion",
	"MotionAlarm",
}

type cachedSubscription struct {
	address   string // SubscriptionReference address returned by CreatePullPointSubscription
	expiresAt time.Time
}

// EventSubscriber maintains one cached PullPoint subscription per camera
// URL and reports whether a pull since a given time observed motion. It
// implements detect.OnvifMotionSource's MotionSince method, letting
// internal/detect depend on the interface without importing this package.
type EventSubscriber struct {
	defaults config.Defaults
	client   *soapClient

	mu   sync.Mutex
	subs map[string]cachedSubscription
}

func NewEventSubscriber(defaults config.Defaults) *EventSubscriber {
	return &EventSubscriber{
		defaults: defaults,
		client:   newSoapClient(10 * time.Second),
		subs:     map[string]cachedSubscription{},
	}
}

// MotionSince pulls any pending events for cameraURL's subscription and
// reports whether the pulled response contains a motion event marker.
// The since argument is not consulted: event timestamps are not parsed,
// so any motion event in the pull counts. A pull failure invalidates the cached subscription so the next
// call creates a fresh one, per spec.md §4.6's failure semantics.
func (s *EventSubscriber) MotionSince(cameraURL string, since time.Time) bool {
	addr, err := s.subscriptionAddress(cameraURL)
	if err != nil {
		return false
	}

	body := `<wsnt:PullMessages><wsnt:Timeout>PT5S</wsnt:Timeout><wsnt:MessageLimit>100</wsnt:MessageLimit></wsnt:PullMessages>`
	resp, err := s.client.post(addr, "", "", "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest", body)
	if err != nil {
		s.invalidate(cameraURL)
		return false
	}

	text := string(resp)
	for _, marker := range motionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// subscriptionAddress returns a cached, still-valid PullPoint subscription
// address for cameraURL, or creates one.
func (s *EventSubscriber) subscriptionAddress(cameraURL string) (string, error) {
	s.mu.Lock()
	cached, ok := s.subs[cameraURL]
	s.mu.Unlock()

	if ok && time.Now().Add(s.defaults.SubscriptionMargin).Before(cached.expiresAt) {
		return cached.address, nil
	}

	addr, expires, err := createPullPointSubscription(s.client, cameraURL)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.subs[cameraURL] = cachedSubscription{address: addr, expiresAt: expires}
	s.mu.Unlock()
	return addr, nil
}

func (s *EventSubscriber) invalidate(cameraURL string) {
	s.mu.Lock()
	delete(s.subs, cameraURL)
	s.mu.Unlock()
}

type createSubscriptionResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		CreatePullPointSubscriptionResponse struct {
			SubscriptionReference struct {
				Address string `xml:"Address"`
			} `xml:"SubscriptionReference"`
			CurrentTime     string `xml:"CurrentTime"`
			TerminationTime string `xml:"TerminationTime"`
		} `xml:"CreatePullPointSubscriptionResponse"`
	} `xml:"Body"`
}

// createPullPointSubscription issues CreatePullPointSubscription with a
// one-hour InitialTerminationTime (spec.md §4.6) and returns the
// subscription endpoint plus its expiry, falling back to
// now+1h if the device's TerminationTime doesn't parse.
func createPullPointSubscription(client *soapClient, cameraURL string) (string, time.Time, error) {
	body := `<wsnt:CreatePullPointSubscription><wsnt:InitialTerminationTime>PT1H</wsnt:InitialTerminationTime></wsnt:CreatePullPointSubscription>`
	resp, err := client.post(cameraURL, "", "", "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest", body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("onvifdisco: create pull point subscription: %w", err)
	}

	var parsed createSubscriptionResponse
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("onvifdisco: parse subscription response: %w", err)
	}
	addr := parsed.Body.CreatePullPointSubscriptionResponse.SubscriptionReference.Address
	if addr == "" {
		return "", time.Time{}, fmt.Errorf("onvifdisco: subscription response missing address")
	}

	expires, err := time.Parse(time.RFC3339, parsed.Body.CreatePullPointSubscriptionResponse.TerminationTime)
	if err != nil {
		expires = time.Now().Add(1 * time.Hour)
	}
	return addr, expires, nil
}

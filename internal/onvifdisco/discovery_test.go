package onvifdisco

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstXAddrTakesFirstOfMultiple(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5/onvif/device_service", firstXAddr("http://10.0.0.5/onvif/device_service http://[fe80::1]/onvif/device_service"))
	assert.Equal(t, "", firstXAddr(""))
}

func TestHostOfStripsSchemeAndPath(t *testing.T) {
	assert.Equal(t, "10.0.0.5", hostOf("http://10.0.0.5:80/onvif/device_service", "fallback"))
	assert.Equal(t, "fallback", hostOf("", "fallback"))
}

func TestScopeNameExtractsOnvifName(t *testing.T) {
	scopes := "onvif://www.onvif.org/type/NetworkVideoTransmitter onvif://www.onvif.org/name/Front_Door_Cam"
	assert.Equal(t, "Front Door Cam", scopeName(scopes))
	assert.Equal(t, "", scopeName("onvif://www.onvif.org/type/NetworkVideoTransmitter"))
}

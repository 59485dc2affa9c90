package config

import (
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

// RTCConfiguration derives the peer connection configuration for a session
// from the server-provided ICE servers and client configuration. User
// supplied ICE servers take precedence over the server's; a ForceRelay
// client configuration overrides the local transport policy.
func (o *ConnectOptions) RTCConfiguration(iceServers []*livekit.ICEServer, cc *livekit.ClientConfiguration) webrtc.Configuration {
	conf := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	if cc != nil && cc.ForceRelay == livekit.ClientConfigSetting_ENABLED {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	} else if o.ICETransportPolicy == ICETransportPolicyRelay {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	if len(o.ICEServers) != 0 {
		for _, s := range o.ICEServers {
			conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	} else {
		for _, s := range iceServers {
			conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{
				URLs:       s.Urls,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	return conf
}

package protocol

import "github.com/pion/webrtc/v4"

// ICEServer is one network-traversal helper endpoint advertised to
// every peer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// WebRTCConfig is the server-defined negotiation policy, advertised
// identically to every peer so connectivity-check behavior is
// consistent across a room.
type WebRTCConfig struct {
	ICEServers           []ICEServer `json:"iceServers"`
	ICECandidatePoolSize uint8       `json:"iceCandidatePoolSize"`
	BundlePolicy         string      `json:"bundlePolicy"`
	RTCPMuxPolicy        string      `json:"rtcpMuxPolicy"`
	ICETransportPolicy   string      `json:"iceTransportPolicy"`
}

// Configuration converts the advertised config into a pion
// webrtc.Configuration. Unknown policy strings fall back to the pion
// defaults rather than failing the session.
func (c WebRTCConfig) Configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICECandidatePoolSize: c.ICECandidatePoolSize,
	}
	for _, s := range c.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	switch c.BundlePolicy {
	case "max-bundle":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxBundle
	case "max-compat":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxCompat
	case "balanced":
		cfg.BundlePolicy = webrtc.BundlePolicyBalanced
	}
	switch c.RTCPMuxPolicy {
	case "negotiate":
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	case "require":
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	}
	switch c.ICETransportPolicy {
	case "relay":
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	case "all":
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyAll
	}
	return cfg
}

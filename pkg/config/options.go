package config

import (
	"time"

	"github.com/pkg/errors"
)

type ICETransportPolicy string

const (
	ICETransportPolicyAll   ICETransportPolicy = "all"
	ICETransportPolicyRelay ICETransportPolicy = "relay"

	DefaultReconnectAttempts     = 2
	DefaultReconnectAttemptDelay = 2 * time.Second
	DefaultNegotiationDelay      = 20 * time.Millisecond
)

var (
	ErrInvalidICETransportPolicy = errors.New("ice transport policy must be \"all\" or \"relay\"")
	ErrInvalidICEServer          = errors.New("ice server must have at least one url")
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ConnectOptions controls how a session joins and maintains its connection
// to the SFU. The zero value is not usable, start from DefaultOptions.
type ConnectOptions struct {
	AutoSubscribe  bool   `yaml:"auto_subscribe"`
	AdaptiveStream bool   `yaml:"adaptive_stream,omitempty"`
	Publish        string `yaml:"publish,omitempty"`

	ICEServers         []ICEServer        `yaml:"ice_servers,omitempty"`
	ICETransportPolicy ICETransportPolicy `yaml:"ice_transport_policy,omitempty"`

	ReconnectAttempts     uint32        `yaml:"reconnect_attempts"`
	ReconnectAttemptDelay time.Duration `yaml:"reconnect_attempt_delay"`
	NegotiationDelay      time.Duration `yaml:"negotiation_delay"`

	// zero values defer to the intervals the server advertises in JoinResponse
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	PingTimeout  time.Duration `yaml:"ping_timeout,omitempty"`

	ClientInfo ClientInfo `yaml:"client_info,omitempty"`
}

func DefaultOptions() ConnectOptions {
	return ConnectOptions{
		AutoSubscribe:         true,
		ICETransportPolicy:    ICETransportPolicyAll,
		ReconnectAttempts:     DefaultReconnectAttempts,
		ReconnectAttemptDelay: DefaultReconnectAttemptDelay,
		NegotiationDelay:      DefaultNegotiationDelay,
		ClientInfo:            DefaultClientInfo(),
	}
}

func (o *ConnectOptions) Validate() error {
	if o.ICETransportPolicy == "" {
		o.ICETransportPolicy = ICETransportPolicyAll
	}
	if o.ICETransportPolicy != ICETransportPolicyAll && o.ICETransportPolicy != ICETransportPolicyRelay {
		return errors.Wrapf(ErrInvalidICETransportPolicy, "%q", o.ICETransportPolicy)
	}
	for _, s := range o.ICEServers {
		if len(s.URLs) == 0 {
			return ErrInvalidICEServer
		}
	}
	if o.ReconnectAttemptDelay == 0 {
		o.ReconnectAttemptDelay = DefaultReconnectAttemptDelay
	}
	if o.NegotiationDelay == 0 {
		o.NegotiationDelay = DefaultNegotiationDelay
	}
	if o.ClientInfo.Protocol == 0 {
		o.ClientInfo = DefaultClientInfo()
	}
	return nil
}

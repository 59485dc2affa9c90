package config

import (
	"runtime"

	"github.com/livekit/protocol/livekit"
)

const (
	// SDKVersion is reported to the server in ClientInfo and the join URL.
	SDKVersion = "0.9.0"
	// ProtocolVersion is the highest signal protocol revision this engine speaks.
	ProtocolVersion = 12
)

type ClientInfo struct {
	Version     string `yaml:"version,omitempty"`
	Protocol    int32  `yaml:"protocol,omitempty"`
	OS          string `yaml:"os,omitempty"`
	OSVersion   string `yaml:"os_version,omitempty"`
	DeviceModel string `yaml:"device_model,omitempty"`
}

func DefaultClientInfo() ClientInfo {
	return ClientInfo{
		Version:  SDKVersion,
		Protocol: ProtocolVersion,
		OS:       runtime.GOOS,
	}
}

func (c ClientInfo) ToProto() *livekit.ClientInfo {
	return &livekit.ClientInfo{
		Sdk:         livekit.ClientInfo_GO,
		Version:     c.Version,
		Protocol:    c.Protocol,
		Os:          c.OS,
		OsVersion:   c.OSVersion,
		DeviceModel: c.DeviceModel,
	}
}

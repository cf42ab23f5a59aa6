package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

type APIConfig struct {
	// UDPPortMin and UDPPortMax bound the ports ICE binds to. Both zero
	// leaves the choice to the OS.
	UDPPortMin uint16
	UDPPortMax uint16

	// Net replaces the host network stack, e.g. with a vnet in tests.
	Net transport.Net

	Logger *slog.Logger
}

func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg APIConfig) error {
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	return nil
}

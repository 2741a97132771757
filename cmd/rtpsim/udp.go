package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/arzzra/rtp_lab/pkg/config"
	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// endpoint UDP сессия вместе с ее транспортами
type endpoint struct {
	session       *rtp.Session
	config        rtp.SessionConfig
	transport     *rtp.UDPTransport
	rtcpTransport *rtp.UDPTransport // nil при мультиплексировании
}

// newEndpoint открывает сокеты и создает сессию. Искажения применяются
// к исходящему трафику этой сессии.
func newEndpoint(cfg config.File, env *environment, role string, direction rtp.Direction) (*endpoint, error) {
	clk := clock.System{}

	sessionConfig, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	sessionConfig.Direction = direction

	if cfg.Output.SDPIn != "" {
		data, err := os.ReadFile(cfg.Output.SDPIn)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения SDP: %w", err)
		}
		desc, err := config.ParseStreamDescription(data)
		if err != nil {
			return nil, err
		}
		desc.Apply(&sessionConfig)
		env.logger.WithFields(logrus.Fields{
			"payload_type": desc.PayloadType,
			"clock_rate":   desc.ClockRate,
			"remote":       desc.RTPAddr(),
			"remote_ssrc":  desc.SSRC,
		}).Info("Параметры потока получены из SDP")
	} else {
		if sessionConfig.RemoteAddr, err = resolve(cfg.Transport.RemoteAddr); err != nil {
			return nil, err
		}
		if sessionConfig.RemoteRTCPAddr, err = resolve(cfg.Transport.RTCPRemoteAddr); err != nil {
			return nil, err
		}
	}

	ep := &endpoint{}
	ep.transport, err = rtp.NewUDPTransport(cfg.TransportConfig(cfg.Transport.LocalAddr), clk)
	if err != nil {
		return nil, err
	}
	sessionConfig.Transport = ep.transport

	if cfg.Transport.RTCPLocalAddr != "" {
		ep.rtcpTransport, err = rtp.NewUDPTransport(cfg.TransportConfig(cfg.Transport.RTCPLocalAddr), clk)
		if err != nil {
			_ = ep.transport.Close()
			return nil, err
		}
		sessionConfig.RTCPTransport = ep.rtcpTransport
	}

	sessionConfig.Clock = clk
	sessionConfig.Metrics = env.metrics
	sessionConfig.Logger = env.logger.WithField("role", role)
	sessionConfig.OnReport = env.reportHandler(&ep.session)

	ep.session, err = rtp.NewSession(sessionConfig)
	if err != nil {
		ep.close()
		return nil, err
	}
	ep.config = sessionConfig

	if env.pcap != nil {
		ep.session.Impairer().AddObserver(env.pcap)
		env.registerCapture(ep.session, ep.transport.LocalAddr())
	}

	return ep, nil
}

// rtcpAddr адрес приема RTCP
func (ep *endpoint) rtcpAddr() net.Addr {
	if ep.rtcpTransport != nil {
		return ep.rtcpTransport.LocalAddr()
	}
	return ep.transport.LocalAddr()
}

// writeSDP сохраняет описание своего потока для собеседника
func (ep *endpoint) writeSDP(path string, cfg config.File) error {
	sessionConfig := ep.config
	sessionConfig.LocalSSRC = ep.session.GetSSRC()

	desc, err := config.NewStreamDescription(sessionConfig, ep.transport.LocalAddr(), ep.rtcpAddr(), cfg.Ptime())
	if err != nil {
		return err
	}
	data, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка формирования SDP: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи SDP: %w", err)
	}
	return nil
}

// close закрывает сокеты сессии, которая не была запущена
func (ep *endpoint) close() {
	_ = ep.transport.Close()
	if ep.rtcpTransport != nil {
		_ = ep.rtcpTransport.Close()
	}
}

func runSend(ctx context.Context, cfg config.File, env *environment) error {
	ep, err := newEndpoint(cfg, env, "sender", rtp.DirectionSendOnly)
	if err != nil {
		return err
	}

	if cfg.Output.SDPOut != "" {
		if err := ep.writeSDP(cfg.Output.SDPOut, cfg); err != nil {
			ep.close()
			return err
		}
	}

	if err := ep.session.Start(ctx); err != nil {
		ep.close()
		return err
	}

	streamErr := streamFrames(ctx, ep.session, cfg, env)
	if streamErr == nil {
		linger(ctx, cfg.Linger())
	}

	stopErr := ep.session.Stop()
	printSummary(env, []*rtp.Session{ep.session}, ep.session.Impairer())

	if streamErr != nil {
		return streamErr
	}
	return stopErr
}

// runRecv принимает поток до сигнала завершения
func runRecv(ctx context.Context, cfg config.File, env *environment) error {
	ep, err := newEndpoint(cfg, env, "receiver", rtp.DirectionRecvOnly)
	if err != nil {
		return err
	}

	if cfg.Output.SDPOut != "" {
		if err := ep.writeSDP(cfg.Output.SDPOut, cfg); err != nil {
			ep.close()
			return err
		}
	}

	if err := ep.session.Start(ctx); err != nil {
		ep.close()
		return err
	}

	env.logger.WithField("local", ep.transport.LocalAddr()).Info("Ожидание потока, Ctrl+C для завершения")
	<-ctx.Done()

	stopErr := ep.session.Stop()
	printSummary(env, []*rtp.Session{ep.session}, ep.session.Impairer())
	return stopErr
}

func resolve(addr string) (net.Addr, error) {
	if addr == "" {
		return nil, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения адреса %s: %w", addr, err)
	}
	return udpAddr, nil
}

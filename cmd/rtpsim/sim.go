package main

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/arzzra/rtp_lab/pkg/config"
	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// runSim отправитель и получатель в одном процессе. Обе сессии делят
// одну модель сети, поэтому RTCP отчеты получателя тоже искажаются.
func runSim(ctx context.Context, cfg config.File, env *environment) error {
	base, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	impairmentConfig := base.Impairment
	if impairmentConfig.Seed == 0 {
		impairmentConfig.Seed = base.Seed
	}

	manager, err := rtp.NewSessionManager(rtp.SessionManagerConfig{
		MaxSessions: 2,
		Impairment:  impairmentConfig,
		Clock:       clock.System{},
		Metrics:     env.metrics,
		Logger:      env.logger,
	})
	if err != nil {
		return err
	}
	model := manager.Impairer()
	if env.pcap != nil {
		model.AddObserver(env.pcap)
	}
	env.handle("/debug/sessions", manager)

	senderAddr, err := resolve(cfg.Transport.LocalAddr)
	if err != nil {
		return err
	}
	receiverAddr, err := resolve(cfg.Transport.RemoteAddr)
	if err != nil {
		return err
	}

	var sender, receiver *rtp.Session

	senderConfig := base
	senderConfig.Direction = rtp.DirectionSendOnly
	senderConfig.RemoteAddr = receiverAddr
	senderConfig.Logger = env.logger.WithField("role", "sender")
	senderConfig.OnReport = env.reportHandler(&sender)

	receiverConfig := base
	receiverConfig.Direction = rtp.DirectionRecvOnly
	receiverConfig.RemoteAddr = senderAddr
	receiverConfig.Logger = env.logger.WithField("role", "receiver")
	receiverConfig.OnReport = env.reportHandler(&receiver)
	// Разные SSRC и независимые генераторы
	if base.LocalSSRC != 0 {
		receiverConfig.LocalSSRC = base.LocalSSRC + 1
	}
	if base.Seed != 0 {
		receiverConfig.Seed = base.Seed + 1
	}

	if sender, err = manager.CreateSession(cfg.Transport.LocalAddr, senderConfig); err != nil {
		return err
	}
	if receiver, err = manager.CreateSession(cfg.Transport.RemoteAddr, receiverConfig); err != nil {
		_ = manager.StopAll()
		return err
	}
	env.registerCapture(sender, senderAddr)
	env.registerCapture(receiver, receiverAddr)

	if err := manager.Start(ctx); err != nil {
		_ = manager.StopAll()
		return err
	}
	if err := receiver.Start(ctx); err != nil {
		_ = manager.StopAll()
		return err
	}
	if err := sender.Start(ctx); err != nil {
		_ = manager.StopAll()
		return err
	}

	env.logger.WithFields(logrus.Fields{
		"packets":    cfg.Traffic.Packets,
		"ptime":      cfg.Ptime(),
		"impairment": fmt.Sprintf("%+v", impairmentConfig),
	}).Info("Симуляция запущена")

	streamErr := streamFrames(ctx, sender, cfg, env)
	if streamErr == nil {
		linger(ctx, cfg.Linger())
	}

	stopErr := manager.StopAll()
	printSummary(env, []*rtp.Session{sender, receiver}, model)

	if streamErr != nil {
		return streamErr
	}
	return stopErr
}

// streamFrames отправляет кадры с интервалом ptime. Packets = 0 - до отмены контекста.
func streamFrames(ctx context.Context, session *rtp.Session, cfg config.File, env *environment) error {
	ptime := cfg.Ptime()
	payload := make([]byte, cfg.PayloadSize(session.GetClockRate()))

	ticker := time.NewTicker(ptime)
	defer ticker.Stop()

	for i := 0; cfg.Traffic.Packets == 0 || i < cfg.Traffic.Packets; i++ {
		// Содержимое не важно, но разное у соседних кадров
		for j := range payload {
			payload[j] = byte(i + j)
		}

		if _, err := session.SendFrame(payload, session.GetPayloadType(), i == 0); err != nil {
			return fmt.Errorf("ошибка отправки кадра %d: %w", i, err)
		}

		select {
		case <-ctx.Done():
			env.logger.WithField("sent", i+1).Info("Отправка прервана")
			return nil
		case <-ticker.C:
		}
	}

	env.logger.WithField("sent", cfg.Traffic.Packets).Info("Все кадры отправлены")
	return nil
}

// linger ждет последних RTCP отчетов
func linger(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

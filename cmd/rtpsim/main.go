// rtpsim симулятор передачи RTP/RTCP через ненадежную сеть.
//
// Режимы:
//
//	sim  - отправитель и получатель в одном процессе, сеть в памяти с искажениями
//	send - отправитель поверх UDP
//	recv - получатель поверх UDP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/rtp_lab/pkg/capture"
	"github.com/arzzra/rtp_lab/pkg/config"
	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/arzzra/rtp_lab/pkg/stats_log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// environment общие для всех режимов выходы: логгер, метрики, журналы
type environment struct {
	logger  *logrus.Entry
	metrics *rtp.Metrics
	csv     *stats_log.Writer
	pcap    *capture.Writer
	mux     *http.ServeMux // nil без HTTP сервера
}

func main() {
	var (
		configPath  = flag.String("config", "", "YAML файл конфигурации")
		mode        = flag.String("mode", config.ModeSim, "Режим: sim, send, recv")
		packets     = flag.Int("packets", 0, "Количество пакетов (0 = из конфигурации)")
		ptime       = flag.Duration("ptime", 0, "Интервал между пакетами (0 = из конфигурации)")
		localAddr   = flag.String("local", "", "Локальный адрес RTP")
		remoteAddr  = flag.String("remote", "", "Удаленный адрес RTP")
		sdpOut      = flag.String("sdp-out", "", "Записать SDP описание своего потока")
		sdpIn       = flag.String("sdp-in", "", "Прочитать SDP описание потока собеседника")
		csvPath     = flag.String("csv", "", "CSV журнал метрик по RTCP отчетам")
		pcapPath    = flag.String("pcap", "", "PCAP файл доставленных датаграмм")
		metricsAddr = flag.String("metrics-addr", "", "Адрес HTTP сервера /metrics")
		logLevel    = flag.String("log-level", "", "Уровень логирования: debug, info, warn, error")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("Ошибка загрузки конфигурации")
		}
		cfg = loaded
	}

	// Явно заданные флаги перекрывают файл
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "packets":
			cfg.Traffic.Packets = *packets
		case "ptime":
			cfg.Traffic.Ptime = ptime.String()
		case "local":
			cfg.Transport.LocalAddr = *localAddr
		case "remote":
			cfg.Transport.RemoteAddr = *remoteAddr
		case "sdp-out":
			cfg.Output.SDPOut = *sdpOut
		case "sdp-in":
			cfg.Output.SDPIn = *sdpIn
		case "csv":
			cfg.Output.CSV = *csvPath
		case "pcap":
			cfg.Output.PCAP = *pcapPath
		case "metrics-addr":
			cfg.Output.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Некорректная конфигурация")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Некорректный уровень логирования")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logrus.NewEntry(logger).WithField("mode", cfg.Mode)); err != nil {
		logger.WithError(err).Error("Симуляция завершилась с ошибкой")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.File, logger *logrus.Entry) error {
	env := &environment{logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	env.metrics = rtp.NewMetrics(registry)

	if cfg.Output.MetricsAddr != "" {
		env.mux = http.NewServeMux()
		server := startMetricsServer(cfg.Output.MetricsAddr, env.mux, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Output.CSV != "" {
		writer, err := stats_log.Create(cfg.Output.CSV)
		if err != nil {
			return err
		}
		env.csv = writer
		defer func() {
			if err := writer.Close(); err != nil {
				logger.WithError(err).Error("Ошибка закрытия CSV журнала")
			}
		}()
	}

	if cfg.Output.PCAP != "" {
		writer, err := capture.Create(cfg.Output.PCAP, capture.FilterDelivered, logger.WithField("component", "capture"))
		if err != nil {
			return err
		}
		env.pcap = writer
		defer func() {
			if err := writer.Close(); err != nil {
				logger.WithError(err).Error("Ошибка закрытия PCAP")
			}
		}()
	}

	switch cfg.Mode {
	case config.ModeSim:
		return runSim(ctx, cfg, env)
	case config.ModeSend:
		return runSend(ctx, cfg, env)
	case config.ModeRecv:
		return runRecv(ctx, cfg, env)
	default:
		return fmt.Errorf("неизвестный режим: %s", cfg.Mode)
	}
}

func startMetricsServer(addr string, mux *http.ServeMux, registry *prometheus.Registry, logger *logrus.Entry) *http.Server {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("HTTP сервер метрик запущен")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Ошибка HTTP сервера метрик")
		}
	}()

	return server
}

// handle добавляет обработчик на HTTP сервер метрик, если он запущен
func (env *environment) handle(pattern string, handler http.Handler) {
	if env.mux != nil {
		env.mux.Handle(pattern, handler)
	}
}

// reportHandler пишет строку CSV журнала на каждый принятый отчет
func (env *environment) reportHandler(session **rtp.Session) func(rtp.ReportEvent) {
	return func(event rtp.ReportEvent) {
		if env.csv == nil || *session == nil {
			return
		}

		var received *rtp.SourceState
		if state, ok := (*session).Source(event.Reporter); ok {
			received = &state
		}

		if err := env.csv.Write(stats_log.RowFromReport(event, received, (*session).GetClockRate())); err != nil {
			env.logger.WithError(err).Warn("Ошибка записи CSV журнала")
		}
	}
}

// registerCapture связывает сессию с ее адресом в PCAP
func (env *environment) registerCapture(session *rtp.Session, local net.Addr) {
	if env.pcap == nil {
		return
	}
	if err := env.pcap.Register(session.ID(), local); err != nil {
		env.logger.WithError(err).Warn("Сессия не будет записана в PCAP")
	}
}

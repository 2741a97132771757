package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/sirupsen/logrus"
)

// printSummary выводит итоговую статистику сессий и модели сети
func printSummary(env *environment, sessions []*rtp.Session, model *impairment.Model) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "\n=== Итоги ===")
	fmt.Fprintln(w, "SSRC\tНаправление\tОтправлено\tПринято\tОшибок разбора\tОтчетов out/in\tRTT\t")
	for _, session := range sessions {
		stats := session.GetStatistics()
		fmt.Fprintf(w, "%08x\t%s\t%d\t%d\t%d\t%d/%d\t%s\t\n",
			stats.SSRC, session.GetDirection(), stats.PacketsSent, stats.PacketsReceived,
			stats.DecodeErrors, stats.ReportsSent, stats.ReportsReceived, formatRTT(stats))
	}

	fmt.Fprintln(w, "\nИсточник\tПринято\tПотеряно\tДоля потерь\tДжиттер\tКачество\t")
	for _, session := range sessions {
		for _, source := range session.GetStatistics().Sources {
			if !source.Initialized {
				continue
			}
			quality, _ := session.Quality(source.SSRC)
			fmt.Fprintf(w, "%08x\t%d\t%d\t%.2f%%\t%s\t%d (%s)\t\n",
				source.SSRC, source.Received, source.CumulativeLost(), source.LossFraction()*100,
				source.JitterDuration().Round(time.Microsecond), quality.Score, quality.Status)
		}
	}

	if model != nil {
		s := model.Stats()
		fmt.Fprintf(w, "\nСеть: поставлено %d, потеряно %d, переставлено %d, доставлено %d, отброшено %d\n",
			s.Enqueued, s.Dropped, s.Reordered, s.Delivered, s.Discarded)
	}

	if err := w.Flush(); err != nil {
		env.logger.WithError(err).Warn("Ошибка вывода итогов")
	}

	for _, session := range sessions {
		stats := session.GetStatistics()
		env.logger.WithFields(logrus.Fields{
			"session_id":       stats.SessionID,
			"ssrc":             stats.SSRC,
			"packets_sent":     stats.PacketsSent,
			"packets_received": stats.PacketsReceived,
			"dropped":          stats.Dropped,
			"collisions":       stats.Collisions,
			"transport_errors": stats.TransportErrors,
		}).Debug("Итоговая статистика сессии")
	}
}

func formatRTT(stats rtp.SessionStatistics) string {
	if !stats.HasRTT {
		return "-"
	}
	return fmt.Sprintf("%s (ср. %s)", stats.RTT.Round(time.Microsecond), stats.AverageRTT.Round(time.Microsecond))
}

// Package stats_log пишет журнал метрик по принятым RTCP отчетам в CSV.
// Формат совместим со скриптом построения графиков лабораторной работы:
// timestamp_local,ssrc,delay_ms,jitter_s,loss_rate,rtt_ms
package stats_log

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/rtp"
)

// Header колонки журнала
var Header = []string{"timestamp_local", "ssrc", "delay_ms", "jitter_s", "loss_rate", "rtt_ms"}

// Row одна строка журнала
type Row struct {
	Timestamp time.Time
	SSRC      uint32
	Delay     time.Duration // Односторонняя задержка, 0 если неизвестна
	Jitter    time.Duration
	LossRate  float64 // [0,1]
	RTT       time.Duration
	HasRTT    bool // Без RTT колонка rtt_ms пустая
}

func (r Row) record() []string {
	rtt := ""
	if r.HasRTT {
		rtt = formatFloat(float64(r.RTT) / float64(time.Millisecond))
	}

	return []string{
		strconv.FormatFloat(float64(r.Timestamp.UnixNano())/1e9, 'f', 6, 64),
		strconv.FormatUint(uint64(r.SSRC), 10),
		formatFloat(float64(r.Delay) / float64(time.Millisecond)),
		formatFloat(r.Jitter.Seconds()),
		formatFloat(r.LossRate),
		rtt,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RowFromReport строка журнала по входящему отчету.
// received состояние приема потока автора отчета, если мы его принимаем:
// тогда джиттер и потери берутся из нашей статистики. Иначе из блока отчета
// о нашем потоке, для перевода джиттера нужна частота нашего потока clockRate.
func RowFromReport(event rtp.ReportEvent, received *rtp.SourceState, clockRate uint32) Row {
	row := Row{
		Timestamp: event.Arrival,
		SSRC:      event.Reporter,
		RTT:       event.RTT,
		HasRTT:    event.HasRTT,
	}
	if event.HasOneWayDelay {
		row.Delay = event.OneWayDelay
	}

	switch {
	case received != nil && received.Initialized:
		row.Jitter = received.JitterDuration()
		row.LossRate = received.LossFraction()
	case event.HasFeedback:
		if clockRate > 0 {
			row.Jitter = time.Duration(float64(event.Feedback.Jitter) / float64(clockRate) * float64(time.Second))
		}
		row.LossRate = float64(event.Feedback.FractionLost) / 255
	}

	return row
}

// Writer потокобезопасный CSV журнал. Каждая строка сразу сбрасывается
// на диск, чтобы журнал можно было читать во время работы.
type Writer struct {
	mutex  sync.Mutex
	csv    *csv.Writer
	closer io.Closer
	rows   uint64
	closed bool
}

// NewWriter пишет заголовок в w и возвращает журнал
func NewWriter(w io.Writer) (*Writer, error) {
	writer := &Writer{csv: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		writer.closer = c
	}

	if err := writer.csv.Write(Header); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка журнала: %w", err)
	}
	writer.csv.Flush()
	if err := writer.csv.Error(); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка журнала: %w", err)
	}

	return writer, nil
}

// Create создает файл журнала, существующий файл перезаписывается
func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания журнала %s: %w", path, err)
	}

	writer, err := NewWriter(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return writer, nil
}

// Write добавляет строку
func (w *Writer) Write(row Row) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return fmt.Errorf("журнал закрыт")
	}

	if err := w.csv.Write(row.record()); err != nil {
		return fmt.Errorf("ошибка записи строки журнала: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("ошибка записи строки журнала: %w", err)
	}

	w.rows++
	return nil
}

// Rows количество записанных строк
func (w *Writer) Rows() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.rows
}

// Close сбрасывает буфер и закрывает файл. Повторный вызов безопасен.
func (w *Writer) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.csv.Flush()
	err := w.csv.Error()
	if w.closer != nil {
		if closeErr := w.closer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

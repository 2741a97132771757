// Package capture записывает датаграммы, прошедшие через модель сети,
// в PCAP файл. Датаграммы оборачиваются в синтетические Ethernet/IPv4/UDP
// заголовки, поэтому файл открывается в Wireshark как обычный RTP трафик
// (Decode As → RTP для нестандартных портов).
package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
)

const snapLen = 65536

// Filter какие датаграммы записывать
type Filter int

const (
	FilterDelivered Filter = iota // Только доставленные
	FilterDropped                 // Только потерянные моделью сети
	FilterAll
)

// Фиксированные локально администрируемые MAC адреса
var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Writer пишет датаграммы в PCAP. Реализует impairment.Observer.
type Writer struct {
	mutex   sync.Mutex
	pcap    *pcapgo.Writer
	closer  io.Closer
	filter  Filter
	sources map[string]*net.UDPAddr // владелец → локальный адрес
	logger  *logrus.Entry

	written uint64
	skipped uint64 // Нет адреса отправителя или назначения
	closed  bool
}

// NewWriter пишет заголовок PCAP в w
func NewWriter(w io.Writer, filter Filter, logger *logrus.Entry) (*Writer, error) {
	if logger == nil {
		logger = logrus.WithField("component", "capture")
	}

	writer := &Writer{
		pcap:    pcapgo.NewWriter(w),
		filter:  filter,
		sources: make(map[string]*net.UDPAddr),
		logger:  logger,
	}
	if c, ok := w.(io.Closer); ok {
		writer.closer = c
	}

	if err := writer.pcap.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка PCAP: %w", err)
	}

	return writer, nil
}

// Create создает PCAP файл
func Create(path string, filter Filter, logger *logrus.Entry) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания PCAP %s: %w", path, err)
	}

	writer, err := NewWriter(file, filter, logger)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	writer.logger.WithField("path", path).Info("Запись трафика в PCAP")
	return writer, nil
}

// Register связывает владельца датаграмм в модели сети с его локальным адресом
func (w *Writer) Register(owner string, local net.Addr) error {
	addr, err := udpAddr(local)
	if err != nil {
		return err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.sources[owner] = addr
	return nil
}

// PacketDelivered реализует impairment.Observer
func (w *Writer) PacketDelivered(packet impairment.Packet) {
	if w.filter == FilterDropped {
		return
	}
	w.write(packet, packet.DeliverAt)
}

// PacketDropped реализует impairment.Observer
func (w *Writer) PacketDropped(packet impairment.Packet) {
	if w.filter == FilterDelivered {
		return
	}
	w.write(packet, packet.EnqueuedAt)
}

func (w *Writer) write(packet impairment.Packet, at time.Time) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return
	}

	src, ok := w.sources[packet.Owner]
	dst, err := udpAddr(packet.Dest)
	if !ok || err != nil {
		w.skipped++
		return
	}

	frame, err := buildFrame(src, dst, packet.Data)
	if err != nil {
		w.skipped++
		w.logger.WithError(err).Warn("Не удалось сформировать кадр")
		return
	}

	err = w.pcap.WritePacket(gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
	if err != nil {
		w.skipped++
		w.logger.WithError(err).Error("Ошибка записи в PCAP")
		return
	}

	w.written++
}

// Written количество записанных кадров
func (w *Writer) Written() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.written
}

// Skipped количество датаграмм, которые не удалось записать
func (w *Writer) Skipped() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.skipped
}

// Close закрывает файл. Уведомления после закрытия игнорируются.
func (w *Writer) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	w.logger.WithFields(logrus.Fields{
		"written": w.written,
		"skipped": w.skipped,
	}).Debug("PCAP закрыт")

	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// buildFrame оборачивает датаграмму в Ethernet/IPv4/UDP
func buildFrame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP := src.IP.To4()
	dstIP := dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("поддерживаются только IPv4 адреса: %s → %s", src, dst)
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func udpAddr(addr net.Addr) (*net.UDPAddr, error) {
	switch a := addr.(type) {
	case nil:
		return nil, fmt.Errorf("адрес не задан")
	case *net.UDPAddr:
		return a, nil
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("некорректный IP: %s", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

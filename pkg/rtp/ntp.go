package rtp

import "time"

// Секунд между эпохой NTP (1900) и эпохой Unix (1970)
const ntpEpochOffset = 2208988800

// NTPTimestamp конвертирует время в 64-битный NTP timestamp согласно RFC 3550
func NTPTimestamp(t time.Time) uint64 {
	seconds := uint64(t.Unix() + ntpEpochOffset)
	fraction := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return seconds<<32 | fraction
}

// NTPTimestampToTime конвертирует NTP timestamp в time.Time
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := int64(ntp>>32) - ntpEpochOffset
	nanoseconds := int64(((ntp & 0xFFFFFFFF) * uint64(time.Second)) >> 32)
	return time.Unix(seconds, nanoseconds).UTC()
}

// NTPShort средние 32 бита NTP timestamp (поле LSR в блоке отчета)
func NTPShort(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// DurationToNTPShort переводит длительность в единицы 1/65536 секунды (поле DLSR)
func DurationToNTPShort(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((uint64(d) << 16) / uint64(time.Second))
}

// NTPShortToDuration обратное преобразование для DLSR и RTT
func NTPShortToDuration(v uint32) time.Duration {
	return time.Duration((uint64(v) * uint64(time.Second)) >> 16)
}

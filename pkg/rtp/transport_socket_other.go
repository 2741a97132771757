//go:build !linux && !darwin

package rtp

// applySockOptForVoice на остальных платформах сокет не настраивается
func applySockOptForVoice(fd int, dscp int) error {
	return nil
}

//go:build !linux && !darwin && !windows

package rtp

// applySockOptForVoice на прочих платформах оставляет настройки ОС
func applySockOptForVoice(uintptr, socketOptions) error {
	return nil
}

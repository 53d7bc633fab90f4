//go:build !linux

package container

import "errors"

func LandlockAvailable() bool { return false }

func RunTrampoline() (int, error) {
	return 1, errors.New("jail trampoline requires linux")
}

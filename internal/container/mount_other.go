//go:build !linux

package container

import "errors"

var errNoMounts = errors.New("bind mounts require linux")

func bindMount(src, target string, readOnly bool) error { return errNoMounts }

func unmount(target string) error { return errNoMounts }

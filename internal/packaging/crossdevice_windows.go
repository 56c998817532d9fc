// SPDX-License-Identifier: MPL-2.0

//go:build windows

package packaging

import (
	"errors"
	"syscall"
)

// ERROR_NOT_SAME_DEVICE: MoveFileEx cannot move a directory across volumes.
const errnoNotSameDevice = syscall.Errno(17)

func isCrossDevice(err error) bool {
	return errors.Is(err, errnoNotSameDevice)
}

// SPDX-License-Identifier: GPL-2.0-only

//go:build linux

package usb

import "golang.org/x/sys/unix"

// errnoTable is the injective part of the mapping between URB statuses and
// the negated errno values the kernel reports in urb->status.
var errnoTable = []struct {
	status UrbStatus
	errno  unix.Errno
}{
	{StatusPending, unix.EINPROGRESS},
	{StatusStall, unix.EPIPE},
	{StatusUnlinked, unix.ECONNRESET},
	{StatusTimeout, unix.ETIMEDOUT},
	{StatusOverflow, unix.EOVERFLOW},
	{StatusShortPacket, unix.EREMOTEIO},
	{StatusShutdown, unix.ESHUTDOWN},
	{StatusNoDevice, unix.ENODEV},
	{StatusProtocol, unix.EPROTO},
	{StatusError, unix.EIO},
}

// aliases are accepted when decoding but never produced.
var errnoAliases = map[unix.Errno]UrbStatus{
	unix.ENOENT: StatusUnlinked,
	unix.ETIME:  StatusTimeout,
	unix.EILSEQ: StatusProtocol,
	unix.ENOSR:  StatusOverflow,
	unix.ECOMM:  StatusOverflow,
}

// Errno returns the kernel status code for s: 0 for success, a negated
// errno otherwise. Unknown statuses map to -EIO.
func (s UrbStatus) Errno() int32 {
	if s == StatusSuccess {
		return 0
	}
	for _, e := range errnoTable {
		if e.status == s {
			return -int32(e.errno)
		}
	}
	return -int32(unix.EIO)
}

// StatusFromErrno decodes a kernel urb->status value. Both negated and
// positive errno values are accepted.
func StatusFromErrno(code int32) UrbStatus {
	if code == 0 {
		return StatusSuccess
	}
	if code < 0 {
		code = -code
	}
	errno := unix.Errno(code)
	for _, e := range errnoTable {
		if e.errno == errno {
			return e.status
		}
	}
	if s, ok := errnoAliases[errno]; ok {
		return s
	}
	return StatusError
}

// go-mcb
// Copyright (c) 2025 The go-mcb Authors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-mcb.
//
// go-mcb is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-mcb is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-mcb; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

//go:build linux

// Package ethernet provides the raw-socket transport: telegram frames
// sent as broadcast Ethernet frames on a dedicated segment, one
// exchange per cycle. Requires Linux (AF_PACKET) and the capability to
// open raw sockets.
package ethernet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/logging"
	"github.com/openrobots/go-mcb/internal/wire"
)

const (
	ethHdrSize   = 14
	maxFrameSize = 1518

	// receiveTimeout bounds one CycleOnce: a frame that has not come
	// back by then is lost, and the caller's retry logic takes over.
	receiveTimeout = 20 * time.Millisecond
)

var broadcast = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Transport implements mcb.Transport over a raw packet socket bound to
// one interface. Exchanges are serialized: the bus is half-duplex at
// the protocol level anyway.
type Transport struct {
	mu      sync.Mutex
	fd      int
	ifIndex int
	srcMAC  [6]byte
	recvBuf [maxFrameSize]byte
}

// Open binds a raw packet socket to the named interface.
func Open(ifname string) (*Transport, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(wire.EtherType)))
	if err != nil {
		return nil, fmt.Errorf("opening raw socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherType),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("binding to %q: %w", ifname, err)
	}

	tv := unix.NsecToTimeval(receiveTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setting receive timeout: %w", err)
	}

	t := &Transport{fd: fd, ifIndex: ifi.Index}
	copy(t.srcMAC[:], ifi.HardwareAddr)
	return t, nil
}

// CycleOnce implements mcb.Transport: encode, transmit, and wait for
// the mirrored frame to come back around the segment.
func (t *Transport) CycleOnce(f *mcb.Frame) bool {
	payload, err := wire.Encode(f)
	if err != nil {
		logging.L().Error("unencodable frame", "error", err)
		return false
	}

	pkt := make([]byte, ethHdrSize+len(payload))
	copy(pkt[0:6], broadcast[:])
	copy(pkt[6:12], t.srcMAC[:])
	pkt[12] = byte(wire.EtherType >> 8)
	pkt[13] = byte(wire.EtherType & 0xFF)
	copy(pkt[ethHdrSize:], payload)

	t.mu.Lock()
	defer t.mu.Unlock()

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherType),
		Ifindex:  t.ifIndex,
		Halen:    6,
	}
	copy(sll.Addr[:6], broadcast[:])
	if err := unix.Sendto(t.fd, pkt, 0, sll); err != nil {
		logging.L().Warn("send failed", "error", err)
		return false
	}

	deadline := time.Now().Add(receiveTimeout)
	for time.Now().Before(deadline) {
		n, from, err := unix.Recvfrom(t.fd, t.recvBuf[:], 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return false
			}
			logging.L().Warn("receive failed", "error", err)
			return false
		}
		// The socket also sees our own transmission on the way out.
		if sllFrom, ok := from.(*unix.SockaddrLinklayer); ok && sllFrom.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		if n < ethHdrSize {
			continue
		}
		if err := wire.Decode(t.recvBuf[ethHdrSize:n], f); err != nil {
			logging.L().Debug("discarding unmatched frame", "error", err)
			continue
		}
		return true
	}
	return false
}

// Close releases the socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return fmt.Errorf("closing raw socket: %w", err)
	}
	return nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

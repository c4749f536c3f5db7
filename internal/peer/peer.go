// Package peer holds the Peer data model shared by election, keepalive, and
// the coordinator: a remote participant known to the local node.
package peer

import "time"

// DeviceClass classifies the hardware a peer is running on. Election weighs
// PCs above tablets above phones, matching the spec's device-class weight.
type DeviceClass int

const (
	DeviceUnknown DeviceClass = iota
	DevicePC
	DeviceTablet
	DeviceMobile
)

func (d DeviceClass) String() string {
	switch d {
	case DevicePC:
		return "pc"
	case DeviceTablet:
		return "tablet"
	case DeviceMobile:
		return "mobile"
	default:
		return "unknown"
	}
}

// LinkClass classifies the peer's network attachment.
type LinkClass int

const (
	LinkUnknown LinkClass = iota
	LinkEthernet
	LinkWifi
	LinkCellular
)

func (l LinkClass) String() string {
	switch l {
	case LinkEthernet:
		return "ethernet"
	case LinkWifi:
		return "wifi"
	case LinkCellular:
		return "cellular"
	default:
		return "unknown"
	}
}

// PowerState classifies whether the peer is running on mains or battery.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerPlugged
	PowerBattery
)

func (p PowerState) String() string {
	switch p {
	case PowerPlugged:
		return "plugged"
	case PowerBattery:
		return "battery"
	default:
		return "unknown"
	}
}

// Peer is a remote participant known to the local node. The Coordinator
// creates it in AddPeer and drops it only in RemovePeer; a keepalive offline
// classification does not remove it, and Score and LastSeen are not updated
// by keepalive or election.
type Peer struct {
	ID         string
	Device     DeviceClass
	Link       LinkClass
	Power      PowerState
	Score      int
	LastSeen   time.Time
	JoinedAt   time.Time
}

// New creates a Peer seen for the first time via signaling.
func New(id string, device DeviceClass, link LinkClass, power PowerState) *Peer {
	now := time.Now()
	return &Peer{
		ID:       id,
		Device:   device,
		Link:     link,
		Power:    power,
		JoinedAt: now,
		LastSeen: now,
	}
}

// UpdateInfo applies an explicit peer-info update (device/link/power change).
func (p *Peer) UpdateInfo(device DeviceClass, link LinkClass, power PowerState) {
	p.Device = device
	p.Link = link
	p.Power = power
}

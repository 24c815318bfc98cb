package transport

// EndpointStats is a point-in-time snapshot of one connection's externally
// observable state, used by the gateway's prometheus collector. It holds no
// reference back into the Endpoint so it is safe to pass across goroutines.
type EndpointStats struct {
	SocketID             uint8
	State                State
	RetransmissionQueued int
	RemoteIP             [4]byte
	RemotePort           uint16
}

// Stats returns a snapshot of ep's current state for metrics collection.
func (ep *Endpoint) Stats() EndpointStats {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return EndpointStats{
		SocketID:             ep.tcb.socketID,
		State:                ep.tcb.state,
		RetransmissionQueued: ep.tcb.rtxQueue.Len(),
		RemoteIP:             ep.tcb.remoteIP,
		RemotePort:           ep.tcb.remotePort,
	}
}

package peermanager

import "time"

// reapLoop periodically drops connections whose transport has closed
// from both the local Peer Map and every foreign network table, per
// spec §4.8's self-healing invariant: a dead connection never lingers
// in a routing table past one reap interval.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.peerMap.CleanPeerWithoutConn()
			m.foreignMgr.CleanPeersWithoutConn()
			if m.metrics != nil {
				m.metrics.SetRoutesTotal(len(m.peerMap.ListRoutes()))
			}
		}
	}
}

package realtime

import (
	"context"
	"log"
	"time"
)

// DrainManager empties an instance before shutdown by asking clients to
// reconnect, a few per second, so the load moves to peers without a
// thundering herd.
type DrainManager struct {
	rooms *RoomManager
}

func NewDrainManager(rooms *RoomManager) *DrainManager {
	return &DrainManager{rooms: rooms}
}

// Drain tells up to ratePerSecond clients per second to reconnect until
// ctx is cancelled or every client has been told. A rate of zero disables
// draining.
func (d *DrainManager) Drain(ctx context.Context, ratePerSecond int) {
	if ratePerSecond <= 0 {
		return
	}
	told := make(map[*Client]struct{})
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if d.reconnectBatch(ratePerSecond, told) == 0 && len(d.rooms.AllClients()) == 0 {
			log.Printf("realtime: drain complete")
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (d *DrainManager) reconnectBatch(n int, told map[*Client]struct{}) int {
	count := 0
	for _, client := range d.rooms.AllClients() {
		if count >= n {
			break
		}
		if _, ok := told[client]; ok || client.Disconnected() {
			continue
		}
		client.Emit("reconnectGracefully")
		told[client] = struct{}{}
		count++
	}
	return count
}

package server

import "time"

const (
	// DefaultAddr serves the HTTP surface: websocket upgrades, diagnostics,
	// and the metrics scrape.
	DefaultAddr = ":8080"
	// DefaultQUICAddr serves the QUIC listener.
	DefaultQUICAddr = ":8443"

	// DefaultRoomID is the room joined when the client names none.
	DefaultRoomID = "arena"
	// DefaultMaxPlayers caps concurrent sessions per room.
	DefaultMaxPlayers = 64

	// DefaultPickupCount is the number of relics kept in play per room.
	DefaultPickupCount = 12
	// DefaultObstacleCount is the number of static obstacles per room.
	DefaultObstacleCount = 24
	// DefaultEnemyCount is the number of roaming enemies per room.
	DefaultEnemyCount = 6
	// pickupLifetimeTicks expires uncollected relics after one minute at
	// the default tick rate so they redistribute across the arena.
	pickupLifetimeTicks = 3600
	// pickupReplenishEvery is the tick period between replenish checks.
	pickupReplenishEvery = 120

	// handshakeTimeout bounds how long a fresh connection may take to send
	// its hello frame.
	handshakeTimeout = 5 * time.Second

	// DefaultMaxMalformedFrames is the number of undecodable frames tolerated
	// per connection before it is closed as hostile.
	DefaultMaxMalformedFrames = 10
)

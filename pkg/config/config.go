package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultBackend      = "badger"
	DefaultDataDir      = "./data"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Storage
const (
	MaxTxnRetries    = 5
	BadgerGCInterval = 10 * time.Minute
	SQLiteFileName   = "tinysos.db"
)

// Purge runs are disabled when the interval is zero.
const (
	DefaultPurgeInterval = 0
	PurgeTimeout         = 5 * time.Minute
)

// Request timeouts and limits
const (
	InsertTimeout       = 10 * time.Second
	DeleteTimeout       = 30 * time.Second
	ListTimeout         = 5 * time.Second
	MaxInsertBatch      = 10000
	MaxRequestBodyBytes = 8 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

package types

// Version is the canonical project version.
// The wire format of queue messages is versioned with it.
const Version = "0.3.0"

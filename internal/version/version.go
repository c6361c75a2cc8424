// ABOUTME: Version constants
// ABOUTME: Product identification reported in the session handshake
package version

const (
	// Version is the player software version
	Version = "0.1.0"

	// Product is the product name reported to the session server
	Product = "Chorus Player"
)

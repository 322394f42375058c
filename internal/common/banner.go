package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner for the named binary
func PrintBanner(name, version string) {
	banner.Print(name, version)
}

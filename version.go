package main

import "fmt"

// Set with -ldflags "-X main.gitSHA1=..." at build time.
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

// Version is the human readable build description.
func Version() string {
	v := fmt.Sprintf("go-proactor build=%s date=%s git=%s", buildID, buildDate, gitSHA1)
	if gitDirty != "unknown" && gitDirty != "0" {
		v += "-dirty"
	}
	return v
}

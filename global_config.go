package scopehub

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by scopehub.
type Portnumbers struct {
	RPC    int
	Status int
	Frames int
}

// Ports globally holds all TCP port numbers used by scopehub.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Frames = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ScopehubStartTime is a global holding the time init() was run
var ScopehubStartTime time.Time

// ProblemLogger will log warning and error messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client-update messages to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5400)
	ScopehubStartTime = time.Now()

	// The scopehub main program will override these, but at least initialize
	// them with sensible values so library users get output somewhere.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}

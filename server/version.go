package server

// Version of the ocramd server.
// This variable can be overridden at build time using:
//
//	go build -ldflags "-X github.com/ocram-io/ocramd/server.Version=v1.0.0"
var Version = "dev"

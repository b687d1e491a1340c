package websim

// Version is the websim version. Overwritten at release time by goreleaser.
var Version = "current"

package main

import "github.com/eargollo/surveyor/internal/cmd"

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}

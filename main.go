package main

import "github.com/ekaya-inc/ekaya-askdb/cmd"

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cmd.Execute(Version)
}

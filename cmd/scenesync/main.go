package main

import "github.com/scenesync/scenesync/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/feedmarket/relay/cmd/relay/cmd"

func main() {
	cmd.Execute()
}

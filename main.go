package main

import "github.com/avollmer/reclaim/cmd"

func main() {
	cmd.Execute()
}

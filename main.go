package main

import "chainsensors/cmd"

func main() {
	cmd.Execute()
}

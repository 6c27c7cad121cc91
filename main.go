package main

import "github.com/surpriselab/surprisebot/cmd"

func main() {
	cmd.Execute()
}

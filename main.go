package main

import "github.com/openclaw/clawgate/cmd"

func main() {
	cmd.Execute()
}

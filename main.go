package main

import "github.com/nextlevelbuilder/clawdbot/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/bryanchriswhite/toplevelwatch/cmd/toplevelwatch/commands"

func main() {
	commands.Execute()
}

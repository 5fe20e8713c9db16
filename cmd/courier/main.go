package main

import "github.com/courierhq/courier/cmd/courier/commands"

func main() {
	commands.Execute()
}

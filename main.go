package main

import "github.com/nextlevelbuilder/conductor/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/weatherpotato/potatolink/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/relayboard/botqueue/services/dispatcher/cli"

func main() {
	cli.Execute()
}

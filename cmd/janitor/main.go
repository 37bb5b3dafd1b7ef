package main

import "github.com/relayboard/botqueue/services/janitor/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/relayboard/botqueue/services/ops-api/cli"

func main() {
	cli.Execute()
}

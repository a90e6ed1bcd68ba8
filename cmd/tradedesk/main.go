package main

import "tradedesk/cmd/cli"

func main() {
	cli.Execute()
}

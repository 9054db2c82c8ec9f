package main

import "ledger-signals/internal/cli"

func main() {
	cli.Execute()
}

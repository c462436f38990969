package main

import "github.com/Layr-Labs/xp-ledger/cmd"

func main() {
	cmd.Execute()
}

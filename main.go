package main

import "github.com/AvaProtocol/smartwallet/cmd"

func main() {
	cmd.Execute()
}

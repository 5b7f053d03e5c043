package main

import "github.com/prepas-mpi/mp2i-discord-bot/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/joshcarp/bertgo"

func main() {
	bertgo.InitializeCommand()
}

package main

import "github.com/ValentinKolb/uStore/cmd"

func main() {
	cmd.Execute()
}

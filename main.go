package main

import "github.com/kerboscript/ksmlink/cmd"

func main() {
	cmd.Execute()
}

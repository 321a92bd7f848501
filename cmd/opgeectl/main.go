// Command opgeectl submits tasks to the OPGEE web server and follows them to
// completion from the terminal.
package main

func main() {
	Execute()
}

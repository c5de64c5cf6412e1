// Command hotpatch exercises the hooking engine against its own binary.
package main

func main() {
	execute()
}

// Command gentoken bcrypt-hashes an operator-supplied RPC token for
// pasting into the main config's [api] token_<method> / token_<id>_
// get_sms entries. The API config format stores only bcrypt hashes, so
// operators need something to produce one from a plaintext token.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	flag.Parse()

	token, err := readToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gentoken:", err)
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), *cost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gentoken: hashing token:", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

// readToken takes the plaintext token from the first positional
// argument if given, else a
// single line from stdin (so the plaintext never shows up in a shell
// history or process listing by default).
func readToken() (string, error) {
	if args := flag.Args(); len(args) > 0 {
		return args[0], nil
	}
	fmt.Fprint(os.Stderr, "token: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

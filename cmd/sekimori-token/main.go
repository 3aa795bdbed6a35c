// sekimori-token converts a client token plaintext into the hash form stored
// in the gateway configuration.  This is the only place where the plaintext
// is ever handled; the gateway itself sees hashes only.
//
// Usage:
//
//	sekimori-token <plaintext>
//	echo -n "plaintext" | sekimori-token
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

func main() {
	plaintext, err := readToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sum := sha256.Sum256([]byte(plaintext))
	fmt.Printf("sha256:%s\n", hex.EncodeToString(sum[:]))
}

func readToken() (string, error) {
	if len(os.Args) > 2 {
		return "", fmt.Errorf("usage: sekimori-token [plaintext]")
	}
	if len(os.Args) == 2 {
		if os.Args[1] == "" {
			return "", fmt.Errorf("token must not be empty")
		}
		return os.Args[1], nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token from stdin: %w", err)
	}
	token := strings.TrimRight(line, "\r\n")
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	return token, nil
}

// genkey generates a bearer token in the same format the server issues:
// 256 bits from crypto/rand, url-safe base64, no padding.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// The usual use is minting the admin bootstrap token before first
// launch: put the output in MINDMIRROR_ADMIN_TOKEN and the server seeds
// it into auth_tokens with is_admin=true at startup. Tokens generated
// here but never seeded or issued do not authenticate anything.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(base64.RawURLEncoding.EncodeToString(buf))
}

// Command mintadmintoken issues a bearer token for the review admin surface.
// The shared secret comes from REVIEW_ADMIN_TOKEN_SECRET or -secret; the
// token is printed to stdout for use in an Authorization header.
package main

import (
	"flag"
	"fmt"
	"os"

	"inkreview/internal/admintoken"
)

func main() {
	var (
		secret  = flag.String("secret", "", "shared admin token secret (defaults to REVIEW_ADMIN_TOKEN_SECRET)")
		subject = flag.String("subject", "", "admin subject to embed in the token")
		issuer  = flag.String("issuer", "review", "token issuer")
		ttl     = flag.Duration("ttl", admintoken.DefaultTokenTTL, "token lifetime")
	)
	flag.Parse()

	if *secret == "" {
		*secret = os.Getenv("REVIEW_ADMIN_TOKEN_SECRET")
	}

	signer, err := admintoken.NewSigner(*secret, *issuer, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := signer.Sign(*subject)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}

package cli

import (
	"fmt"
)

// OutputEnv outputs the proxy variables and the Go runtime debug variable.
// STUN and TCP dials use a plain net.Dialer, which does not read the proxy
// variables.
func OutputEnv() {
	fmt.Println("Available environment variables:")
	fmt.Println("HTTP_PROXY - sets outgoing http proxy")
	fmt.Println("HTTPS_PROXY - sets outgoing https proxy")
	fmt.Println("NO_PROXY - hosts that should not be proxied")
	fmt.Println("GODEBUG - Go runtime debug flags, e.g. netdns=go to force the pure-Go resolver")
}

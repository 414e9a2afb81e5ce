package cli

import (
	"fmt"

	"github.com/fatih/color"
)

// PrintVersion outputs the version of the application
func PrintVersion(
	name,
	version string,
) {
	fmt.Printf("%s (%s)\n", name, version)
}

// PrintBanner outputs the banner for the application
func PrintBanner() {
	blue := color.New(color.FgBlue)
	_, _ = blue.Println(`

                       --:
                     .@@@@@*-.
                     .@@@@@@@@++:
        .+*=.        .@@@@@@@@@@@@*-.
        +@@@@++-     .+@@@@@@@@@@@@@@#=:
        *@@@@@@@@#=.  .=#@@@@@@@@@@@@@@@+*-
        *@@@@@@@@@@@+-    :#@@@@@@@@@@@@@@@@#.
        *@@@@@@@@@@@@=     +@@@@@@@@@@@@@@@@@=
        *@@@@@@@@++:   .=#@@@@@@@@@@@@@@@@++:
        *@@@@@*=.    .+@@@@@@@@@@@@@@@@#=.
        .*#+:        .@@@@@@@@@@@@@+*-
                     .@@@@@@@@@@#=.
                     .@@@@@@+*-
                      ++@#=.                      `)
	_, _ = fmt.Println()
	_, _ = fmt.Println()
}
// PrintServerStarted announces that a background listener (main.go uses it
// for the diagnostics server) is up and reachable at address.
func PrintServerStarted(
	name string,
	address string,
) {
	fmt.Printf("%s listening on %s\n\n", name, address)
}

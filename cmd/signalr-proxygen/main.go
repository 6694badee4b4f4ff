// Command signalr-proxygen generates typed hub proxies from Go interfaces.
//
//	signalr-proxygen -in chat.go -out chat_proxy.go -pkg chat
//
// Interfaces marked with a "signalr:hub" comment are taken as hubs, unless -hub names them.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hubwire/signalr/proxygen"
)

func main() {
	in := flag.String("in", os.Getenv("GOFILE"), "Go source file with the hub interfaces")
	out := flag.String("out", "", "output file, stdout if empty")
	pkg := flag.String("pkg", os.Getenv("GOPACKAGE"), "package name of the generated file")
	hubs := flag.String("hub", "", "comma separated names of hub interfaces")
	flag.Parse()

	if err := run(*in, *out, *pkg, *hubs); err != nil {
		fmt.Fprintf(os.Stderr, "signalr-proxygen: %v\n", err)
		os.Exit(1)
	}
}

func run(in, out, pkg, hubs string) error {
	if in == "" {
		return fmt.Errorf("missing -in")
	}
	if pkg == "" {
		return fmt.Errorf("missing -pkg")
	}
	var names []string
	if hubs != "" {
		names = strings.Split(hubs, ",")
	}
	source, err := proxygen.Parse(in, nil, names...)
	if err != nil {
		return err
	}
	if out == "" {
		return source.Render(os.Stdout, pkg)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err = source.Render(f, pkg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
)

const CanvasdVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collabcanvas store daemon.

Serves the durable shape collection and the ephemeral presence collections
for every workspace over one websocket endpoint, /ws. Clients authenticate
with a workspace token minted by canvasctl token.

Usage:
    canvasd --secret=<secret> [--listen=<listen>] [--db=<db>] [-v...]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --secret=<secret>    HMAC secret for workspace tokens.
    --listen=<listen>    Listen address [default: 127.0.0.1:8559].
    --db=<db>            Pebble database directory [default: ./canvasd-db].
    -v                   Increase log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasdVersion)
	if err != nil {
		panic(err)
	}

	verbosity, _ := opts.Int("-v")
	initGlog(verbosity)

	secret, _ := opts.String("--secret")
	listen, _ := opts.String("--listen")
	dbDir, _ := opts.String("--db")

	store, err := openPebbleStore(dbDir)
	if err != nil {
		Err.Fatalf("open db error = %s", err)
	}
	defer store.Close()

	h := newHub(store, []byte(secret), defaultHubSettings())

	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	Out.Printf("canvasd %s listening on %s", CanvasdVersion, listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		Err.Fatalf("listen error = %s", err)
	}
}

// glog reads its settings from the flag package
func initGlog(verbosity int) {
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))
	glog.V(1).Infof("[d]verbosity %d\n", verbosity)
}

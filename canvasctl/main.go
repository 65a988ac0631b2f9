package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	mathrand "math/rand"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/andychuong/collabcanvas/canvas"
)

const CanvasCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collabcanvas control.

sim runs concurrent simulated editors against an in-process replicated
store and verifies every session converges to the identical canonical
shape set. token mints a workspace token for canvasd.

Usage:
    canvasctl sim [--sessions=<sessions>] [--edits=<edits>] [-v...]
    canvasctl token --secret=<secret>
        [--workspace_id=<workspace_id>]
        [--user_id=<user_id>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --sessions=<sessions>          Concurrent editor sessions [default: 4].
    --edits=<edits>                Edits per session [default: 200].
    --secret=<secret>              HMAC secret shared with canvasd.
    --workspace_id=<workspace_id>  Workspace id. Random when omitted.
    --user_id=<user_id>            User id. Random when omitted.
    -v                             Increase log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}

	verbosity, _ := opts.Int("-v")
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))

	if sim_, _ := opts.Bool("sim"); sim_ {
		sim(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")

	workspaceId := canvas.NewId()
	if workspaceIdStr, err := opts.String("--workspace_id"); err == nil && workspaceIdStr != "" {
		workspaceId, err = canvas.ParseId(workspaceIdStr)
		if err != nil {
			Err.Fatalf("bad workspace_id = %s", err)
		}
	}
	userId := canvas.NewId()
	if userIdStr, err := opts.String("--user_id"); err == nil && userIdStr != "" {
		userId, err = canvas.ParseId(userIdStr)
		if err != nil {
			Err.Fatalf("bad user_id = %s", err)
		}
	}

	scope := canvas.NewSessionScope(workspaceId, userId)
	byJwt, err := canvas.MintScopeJwt(scope, []byte(secret))
	if err != nil {
		Err.Fatalf("mint error = %s", err)
	}
	Out.Printf("workspace_id: %s", workspaceId)
	Out.Printf("user_id: %s", userId)
	Out.Printf("by_jwt: %s", byJwt)
}

func sim(opts docopt.Opts) {
	sessionCount, _ := opts.Int("--sessions")
	editCount, _ := opts.Int("--edits")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := canvas.NewMemoryStoreWithDefaults()
	workspaceId := canvas.NewId()

	settings := canvas.DefaultSyncSettings()

	sessions := make([]*canvas.SyncSession, sessionCount)
	presences := make([]*canvas.PresenceChannel, sessionCount)
	for i := 0; i < sessionCount; i += 1 {
		scope := canvas.NewSessionScope(workspaceId, canvas.NewId())
		sessions[i] = canvas.NewSyncSession(ctx, scope, store, settings)
		presences[i] = canvas.NewPresenceChannelWithDefaults(ctx, scope, store)
	}

	start := time.Now()

	done := make(chan []canvas.Id, sessionCount)
	for i := 0; i < sessionCount; i += 1 {
		go func(session *canvas.SyncSession, presence *canvas.PresenceChannel) {
			createdIds := []canvas.Id{}
			for j := 0; j < editCount; j += 1 {
				switch mathrand.Intn(10) {
				case 0:
					width := 10 + mathrand.Float64()*100
					height := 10 + mathrand.Float64()*100
					shapeId, err := session.CreateShape(canvas.ShapeKindRectangle, &canvas.ShapePatch{
						Width:  &width,
						Height: &height,
					})
					if err == nil {
						createdIds = append(createdIds, shapeId)
					}
				case 1:
					if 0 < len(createdIds) {
						session.DeleteShape(createdIds[mathrand.Intn(len(createdIds))])
					}
				case 2:
					if 0 < len(createdIds) {
						fill := fmt.Sprintf("#%06x", mathrand.Intn(0x1000000))
						session.RestyleShape(createdIds[mathrand.Intn(len(createdIds))], &canvas.ShapePatch{
							Fill: &fill,
						})
					}
				default:
					if 0 < len(createdIds) {
						session.MoveShape(
							createdIds[mathrand.Intn(len(createdIds))],
							mathrand.Float64()*1000,
							mathrand.Float64()*1000,
						)
					}
					presence.PublishCursor(mathrand.Float64()*1000, mathrand.Float64()*1000)
				}
				time.Sleep(time.Duration(mathrand.Intn(10)) * time.Millisecond)
			}
			done <- createdIds
		}(sessions[i], presences[i])
	}

	for i := 0; i < sessionCount; i += 1 {
		<-done
	}

	// wait for every session to settle on the same canonical set
	converged := false
	for attempt := 0; attempt < 100; attempt += 1 {
		if sessionsConverged(sessions) {
			converged = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	shapes := sessions[0].VisibleShapes()
	Out.Printf("sessions: %d", sessionCount)
	Out.Printf("edits per session: %d", editCount)
	Out.Printf("store writes: %d", store.WriteCount(workspaceId))
	Out.Printf("visible shapes: %d", len(shapes))
	Out.Printf("elapsed: %s", time.Since(start))
	if converged {
		Out.Printf("converged: yes")
	} else {
		Err.Fatalf("converged: no")
	}
}

func sessionsConverged(sessions []*canvas.SyncSession) bool {
	reference := sessions[0].VisibleShapes()
	for _, session := range sessions[1:] {
		shapes := session.VisibleShapes()
		if len(shapes) != len(reference) {
			return false
		}
		for i := range shapes {
			if shapes[i].ShapeId != reference[i].ShapeId {
				return false
			}
			if shapes[i].UpdatedAt != reference[i].UpdatedAt || shapes[i].UpdatedBy != reference[i].UpdatedBy {
				return false
			}
		}
	}
	return true
}

// Package main provides the control CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"google.golang.org/protobuf/types/known/structpb"

	apiconnect "github.com/osa030/discobox/internal/api/connect"
)

var (
	app    = kingpin.New("discobox-ctl", "discobox control client")
	server = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token  = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()

	// state command
	stateCmd   = app.Command("state", "Show a guild's playback state")
	stateGuild = stateCmd.Arg("guild-id", "Guild ID").Required().String()

	// play command
	playCmd   = app.Command("play", "Queue a track")
	playGuild = playCmd.Arg("guild-id", "Guild ID").Required().String()
	playQuery = playCmd.Arg("query", "Search words or URL").Required().Strings()

	// skip command
	skipCmd   = app.Command("skip", "Skip the current track")
	skipGuild = skipCmd.Arg("guild-id", "Guild ID").Required().String()

	// stop command
	stopCmd   = app.Command("stop", "Stop playback and clear the queue")
	stopGuild = stopCmd.Arg("guild-id", "Guild ID").Required().String()

	// watch command
	watchCmd   = app.Command("watch", "Stream bus events")
	watchGuild = watchCmd.Flag("guild", "Only show events of this guild").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewControlClient(
		http.DefaultClient,
		*server,
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(*token)),
	)

	ctx := context.Background()

	switch command {
	case stateCmd.FullCommand():
		state(ctx, client, *stateGuild)
	case playCmd.FullCommand():
		play(ctx, client, *playGuild, strings.Join(*playQuery, " "))
	case skipCmd.FullCommand():
		result(client.Skip(ctx, request(map[string]any{"guild_id": *skipGuild})))
	case stopCmd.FullCommand():
		result(client.Stop(ctx, request(map[string]any{"guild_id": *stopGuild})))
	case watchCmd.FullCommand():
		watch(ctx, client, *watchGuild)
	}
}

func request(fields map[string]any) *connect.Request[structpb.Struct] {
	req, err := apiconnect.NewRequest(fields)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return req
}

func state(ctx context.Context, client *apiconnect.ControlClient, guildID string) {
	resp, err := client.GetState(ctx, request(map[string]any{"guild_id": guildID}))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	s := resp.Msg.GetFields()
	fmt.Println("\n=== PLAYBACK STATE ===")
	fmt.Printf("Guild: %s\n", s["guild_id"].GetStringValue())
	fmt.Printf("State: %s\n", formatState(s["state"].GetStringValue()))

	if cur := s["current"].GetStructValue(); cur != nil {
		c := cur.GetFields()
		fmt.Printf("\nCurrently Playing:\n")
		fmt.Printf("  Track ID: %s\n", c["id"].GetStringValue())
		fmt.Printf("  Title: %s\n", c["title"].GetStringValue())
		fmt.Printf("  Duration: %d seconds\n", int(c["duration"].GetNumberValue()))
		fmt.Printf("  Started At: %s\n", s["started_at"].GetStringValue())
	} else {
		fmt.Println("\nNo track currently playing")
	}

	queue := s["queue"].GetListValue().GetValues()
	fmt.Printf("\nQueue (%d):\n", len(queue))
	for i, v := range queue {
		t := v.GetStructValue().GetFields()
		fmt.Printf("  %d. %s (%s)\n", i+1, t["title"].GetStringValue(), t["id"].GetStringValue())
	}
	fmt.Println()
}

func play(ctx context.Context, client *apiconnect.ControlClient, guildID, query string) {
	resp, err := client.Play(ctx, request(map[string]any{"guild_id": guildID, "query": query}))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	f := resp.Msg.GetFields()
	if !f["success"].GetBoolValue() {
		fmt.Printf("Failed: %s (%s)\n", f["message"].GetStringValue(), f["code"].GetStringValue())
		return
	}
	fmt.Println(f["message"].GetStringValue())
	if added := int(f["added"].GetNumberValue()); added > 1 {
		fmt.Printf("  %d tracks queued\n", added)
	}
}

func result(resp *connect.Response[structpb.Struct], err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	f := resp.Msg.GetFields()
	if f["success"].GetBoolValue() {
		fmt.Println(f["message"].GetStringValue())
	} else {
		fmt.Printf("Failed: %s\n", f["message"].GetStringValue())
	}
}

func watch(ctx context.Context, client *apiconnect.ControlClient, guildID string) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fields := map[string]any{}
	if guildID != "" {
		fields["guild_id"] = guildID
	}
	stream, err := client.Subscribe(ctx, request(fields))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer stream.Close()

	for stream.Receive() {
		f := stream.Msg().GetFields()
		payload, _ := json.Marshal(f["payload"].AsInterface())
		fmt.Printf("[%s] #%d %s\n", f["type"].GetStringValue(), int(f["seq"].GetNumberValue()), payload)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func formatState(state string) string {
	switch state {
	case "playing":
		return "▶️  Playing"
	case "idle":
		return "⏸  Idle"
	default:
		return "❓ Unknown"
	}
}

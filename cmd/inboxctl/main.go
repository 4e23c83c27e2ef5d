package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/h1v3-io/inbox/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: inboxctl tickets <list|show|read|update|close>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			cmdTicketsShow(requireArg(os.Args, 3, "usage: inboxctl tickets show <id>"))
		case "read":
			cmdTicketsRead(requireArg(os.Args, 3, "usage: inboxctl tickets read <id>"))
		case "update":
			cmdTicketsUpdate(os.Args[3:])
		case "close":
			cmdTicketsUpdate(append(os.Args[3:], "--status", "closed"))
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "messages":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: inboxctl messages <list|send|retry>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdMessagesList(os.Args[3:])
		case "send":
			cmdMessagesSend(os.Args[3:])
		case "retry":
			cmdMessagesRetry(requireArg(os.Args, 3, "usage: inboxctl messages retry <id>"))
		default:
			fmt.Fprintf(os.Stderr, "unknown messages subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: inboxctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(args []string, i int, usage string) string {
	if len(args) <= i {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	return args[i]
}

// --- API client commands ---

func cmdHealth() {
	body, err := apiDo("GET", "/api/health", nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdTicketsList(args []string) {
	fs := pflag.NewFlagSet("tickets list", pflag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending|open|closed)")
	channel := fs.String("channel", "", "Filter by channel id")
	user := fs.String("user", "", "Filter by owning user")
	query := fs.StringP("query", "q", "", "Search the last message")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	setIf(q, "status", *status)
	setIf(q, "channel", *channel)
	setIf(q, "user", *user)
	setIf(q, "q", *query)

	body, err := apiDo("GET", "/api/tickets?"+q.Encode(), nil)
	exitOn(err)
	var tickets []map[string]any
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		fmt.Printf("%-38s %-8s %-10s %3v  %s\n", t["id"], t["status"], t["channelId"], t["unreadMessages"], t["lastMessage"])
	}
}

func cmdTicketsShow(id string) {
	body, err := apiDo("GET", "/api/tickets/"+id, nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdTicketsRead(id string) {
	body, err := apiDo("POST", "/api/tickets/"+id+"/read", nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdTicketsUpdate(args []string) {
	fs := pflag.NewFlagSet("tickets update", pflag.ExitOnError)
	status := fs.String("status", "", "New status (pending|open|closed)")
	user := fs.String("user", "", "Assign to agent")
	unassign := fs.Bool("unassign", false, "Return the ticket to the queue")
	queue := fs.String("queue", "", "Move to queue")
	actor := fs.String("actor", os.Getenv("INBOX_USER_ID"), "Agent making the change")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: inboxctl tickets update <id> [--status S] [--user U | --unassign] [--queue Q]")
		os.Exit(1)
	}

	req := map[string]any{}
	setIfAny(req, "status", *status)
	setIfAny(req, "actorId", *actor)
	switch {
	case *unassign:
		req["userId"] = ""
	case *user != "":
		req["userId"] = *user
	}
	if fs.Changed("queue") {
		req["queueId"] = *queue
	}
	body, err := apiDo("PUT", "/api/tickets/"+fs.Arg(0), req)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdMessagesList(args []string) {
	fs := pflag.NewFlagSet("messages list", pflag.ExitOnError)
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: inboxctl messages list <ticket-id> [--limit N]")
		os.Exit(1)
	}

	body, err := apiDo("GET", fmt.Sprintf("/api/tickets/%s/messages?limit=%d", fs.Arg(0), *limit), nil)
	exitOn(err)
	var msgs []map[string]any
	json.Unmarshal(body, &msgs)
	for _, m := range msgs {
		dir := "<"
		if m["fromMe"] == true {
			dir = ">"
		}
		fmt.Printf("%s %-8s ack=%-2v %s\n", dir, m["status"], m["ack"], m["body"])
	}
}

func cmdMessagesSend(args []string) {
	fs := pflag.NewFlagSet("messages send", pflag.ExitOnError)
	quote := fs.String("quote", "", "Internal id of the message to reply to")
	at := fs.String("at", "", "Schedule for later (RFC 3339)")
	user := fs.String("user", os.Getenv("INBOX_USER_ID"), "Agent user id")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: inboxctl messages send <ticket-id> <body> [--quote ID] [--at TIME]")
		os.Exit(1)
	}

	req := map[string]any{"body": strings.Join(fs.Args()[1:], " ")}
	if *quote != "" {
		req["quotedMsgId"] = *quote
	}
	if *user != "" {
		req["userId"] = *user
	}
	if *at != "" {
		when, err := time.Parse(time.RFC3339, *at)
		exitOn(err)
		req["scheduleDate"] = when
	}
	body, err := apiDo("POST", "/api/tickets/"+fs.Arg(0)+"/messages", req)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdMessagesRetry(id string) {
	body, err := apiDo("POST", "/api/messages/"+id+"/retry", nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdLogs(args []string) {
	fs := pflag.NewFlagSet("logs", pflag.ExitOnError)
	component := fs.String("component", "", "Filter by component")
	ticketID := fs.String("ticket", "", "Filter by ticket id")
	level := fs.String("level", "info", "Minimum level")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	q.Set("level", *level)
	setIf(q, "component", *component)
	setIf(q, "ticket_id", *ticketID)

	body, err := apiDo("GET", "/api/logs?"+q.Encode(), nil)
	exitOn(err)
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%s %-5s %-10s %s\n", e["time"], e["level"], e["component"], e["message"])
	}
}

func cmdConfigValidate(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config is valid (%d channels)\n", len(cfg.Channels))
}

// --- Helpers ---

func apiDo(method, path string, payload any) ([]byte, error) {
	base := envOr("INBOX_API_URL", "http://localhost:8080")

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("INBOX_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if tenant := os.Getenv("INBOX_TENANT"); tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setIfAny(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("inboxctl - inbox management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                         Check daemon and channel health")
	fmt.Println("  tickets list                   List tickets (--status, --channel, --user, -q, --limit)")
	fmt.Println("  tickets show <id>              Show ticket details")
	fmt.Println("  tickets read <id>              Mark a ticket read")
	fmt.Println("  tickets update <id>            Change status or owner (--status, --user, --unassign, --queue)")
	fmt.Println("  tickets close <id>             Close a ticket and send the channel farewell")
	fmt.Println("  messages list <ticket>         List ticket messages")
	fmt.Println("  messages send <ticket> <body>  Send a message (--quote, --at, --user)")
	fmt.Println("  messages retry <id>            Retry a failed message")
	fmt.Println("  logs                           Show recent daemon logs (--component, --ticket, --level)")
	fmt.Println("  config validate <path>         Validate config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  INBOX_API_URL   Daemon URL (default: http://localhost:8080)")
	fmt.Println("  INBOX_API_KEY   API key for authentication")
	fmt.Println("  INBOX_TENANT    Tenant id sent as X-Tenant-ID")
	fmt.Println("  INBOX_USER_ID   Agent user id for messages send")
}
